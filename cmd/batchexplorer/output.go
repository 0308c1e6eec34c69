package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Azure/BatchExplorer-sub004/internal/filenav"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// table renders records of one type as aligned columns.
type table[T any] struct {
	header string
	row    func(T) string
}

var (
	poolTable = table[models.Pool]{
		header: "ID\tSTATE\tALLOCATION\tVM SIZE\tNODES",
		row: func(p models.Pool) string {
			return fmt.Sprintf("%s\t%s\t%s\t%s\t%d/%d", p.ID, p.State, p.AllocationState, p.VMSize,
				p.CurrentDedicatedNodes, p.TargetDedicatedNodes)
		},
	}
	jobTable = table[models.Job]{
		header: "ID\tSTATE\tPOOL\tPRIORITY\tCREATED",
		row: func(j models.Job) string {
			return fmt.Sprintf("%s\t%s\t%s\t%d\t%s", j.ID, j.State, j.PoolInfo.PoolID, j.Priority, when(j.CreationTime))
		},
	}
	taskTable = table[models.Task]{
		header: "ID\tSTATE\tEXIT\tCOMMAND",
		row: func(t models.Task) string {
			exit := ""
			if t.ExecutionInfo.ExitCode != nil {
				exit = strconv.Itoa(*t.ExecutionInfo.ExitCode)
			}
			return fmt.Sprintf("%s\t%s\t%s\t%s", t.ID, t.State, exit, t.CommandLine)
		},
	}
	fileTable = table[models.File]{
		header: "NAME\tSIZE\tMODIFIED",
		row: func(f models.File) string {
			if f.IsDirectory {
				return fmt.Sprintf("%s/\t-\t%s", f.Name, when(f.LastModified))
			}
			return fmt.Sprintf("%s\t%d\t%s", f.Name, f.ContentLength, when(f.LastModified))
		},
	}
)

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// printer serializes output; watch callbacks may print concurrently.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newPrinter(a *app) *printer {
	return &printer{w: a.out, json: a.output == "json"}
}

func printRows[T any](p *printer, t table[T], items []T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if items == nil {
			items = []T{}
		}
		return encode(p.w, items)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, t.header)
	for _, it := range items {
		fmt.Fprintln(tw, t.row(it))
	}
	return tw.Flush()
}

func printOne[T any](p *printer, t table[T], item T) error {
	return printRows(p, t, []T{item})
}

// printNodes lists tree nodes the way a directory listing shows them.
func printNodes(p *printer, nodes []*filenav.Node) error {
	files := make([]models.File, 0, len(nodes))
	for _, n := range nodes {
		files = append(files, models.File{
			Name:          n.Name(),
			IsDirectory:   n.IsDirectory,
			ContentLength: n.ContentLength,
			LastModified:  n.LastModified,
		})
	}
	return printRows(p, fileTable, files)
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) raw(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, s)
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
