package models

import (
	"strconv"
	"strings"
)

// ListOptions shape a list request.
type ListOptions struct {
	PageSize  int
	MaxItems  int
	Filter    string
	Select    []string
	Folder    string
	Recursive bool
	Extra     map[string]string
}

// MaxResults is the per-request page cap: the smaller of PageSize and
// MaxItems, or whichever one is set. Zero means the server default.
func (o ListOptions) MaxResults() int {
	switch {
	case o.PageSize > 0 && o.MaxItems > 0:
		return min(o.PageSize, o.MaxItems)
	case o.PageSize > 0:
		return o.PageSize
	default:
		return o.MaxItems
	}
}

// Patch returns o with every non-zero field of patch applied. Extra maps
// are merged key by key.
func (o ListOptions) Patch(patch ListOptions) ListOptions {
	out := o
	if patch.PageSize != 0 {
		out.PageSize = patch.PageSize
	}
	if patch.MaxItems != 0 {
		out.MaxItems = patch.MaxItems
	}
	if patch.Filter != "" {
		out.Filter = patch.Filter
	}
	if patch.Select != nil {
		out.Select = append([]string(nil), patch.Select...)
	}
	if patch.Folder != "" {
		out.Folder = patch.Folder
	}
	if patch.Recursive {
		out.Recursive = true
	}
	if len(patch.Extra) > 0 {
		extra := make(map[string]string, len(o.Extra)+len(patch.Extra))
		for k, v := range o.Extra {
			extra[k] = v
		}
		for k, v := range patch.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// String serializes o deterministically.
func (o ListOptions) String() string {
	var b strings.Builder
	b.WriteString("filter=")
	b.WriteString(strconv.Quote(o.Filter))
	b.WriteString(";select=")
	b.WriteString(strings.Join(o.Select, ","))
	b.WriteString(";max=")
	b.WriteString(strconv.Itoa(o.MaxResults()))
	b.WriteString(";folder=")
	b.WriteString(strconv.Quote(o.Folder))
	if o.Recursive {
		b.WriteString(";recursive")
	}
	b.WriteString(";extra=")
	b.WriteString(Params(o.Extra).String())
	return b.String()
}

// QueryKey identifies the result set of o in a query cache: the filter,
// qualified by folder and recursion when set.
func (o ListOptions) QueryKey() string {
	if o.Folder == "" && !o.Recursive {
		return o.Filter
	}
	key := o.Filter + "|folder=" + o.Folder
	if o.Recursive {
		key += "|recursive"
	}
	return key
}
