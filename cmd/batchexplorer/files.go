package main

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Azure/BatchExplorer-sub004/internal/filenav"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
)

// browseFlags are shared by the commands that walk a file tree.
type browseFlags struct {
	base      string
	recursive bool
	remove    bool
}

func (f *browseFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "", "Only show files below this folder")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "List every file below the path")
	cmd.Flags().BoolVar(&f.remove, "delete", false, "Delete the file or folder at the path")
}

func newFilesCmd(a *app) *cobra.Command {
	var bf browseFlags
	cmd := &cobra.Command{
		Use:   "files <jobId> <taskId> [path]",
		Short: "Browse the files of a task",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav := a.svc.TaskNavigator(args[0], args[1], bf.base)
			defer nav.Close()
			return browse(cmd.Context(), a, nav, argAt(args, 2), bf)
		},
	}
	bf.register(cmd)
	return cmd
}

func newBlobsCmd(a *app) *cobra.Command {
	var (
		bf      browseFlags
		indexed bool
	)
	cmd := &cobra.Command{
		Use:   "blobs <container> [path]",
		Short: "Browse a blob container, live or from the file index",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			open := a.svc.BlobNavigator
			if indexed {
				open = a.svc.IndexNavigator
			}
			nav, err := open(args[0], bf.base)
			if err != nil {
				return err
			}
			defer nav.Close()
			return browse(cmd.Context(), a, nav, argAt(args, 1), bf)
		},
	}
	bf.register(cmd)
	cmd.Flags().BoolVar(&indexed, "indexed", false, "Read the listing from the file index")
	// The index is opened for every invocation; --indexed decides whether it is read.
	cmd.Annotations = map[string]string{needsIndex: "true"}
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "index <container>",
		Short:       "Copy the listing of a blob container into the file index",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsIndex: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.svc.IndexContainer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			newPrinter(a).linef("indexed %d entries of %s", n, args[0])
			return nil
		},
	}
}

func newLocalCmd(a *app) *cobra.Command {
	var bf browseFlags
	cmd := &cobra.Command{
		Use:   "local <dir> [path]",
		Short: "Browse a local directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nav, closeNav, err := a.svc.LocalNavigator(cmd.Context(), args[0], a.watch)
			if err != nil {
				return err
			}
			defer closeNav()
			return browse(cmd.Context(), a, nav, argAt(args, 1), bf)
		},
	}
	bf.register(cmd)
	return cmd
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// browse prints the entry at p: a folder's children, a file's details, or
// with --recursive every file below p. --delete removes the entry instead.
func browse(ctx context.Context, a *app, nav *filenav.Navigator, p string, bf browseFlags) error {
	p = filenav.NormalizePath(p)
	out := newPrinter(a)
	if err := nav.LoadPath(ctx, filenav.ParentPath(p)); err != nil {
		return err
	}
	node, ok := nav.Tree().GetNode(p)
	if !ok {
		return fmt.Errorf("%s: no such file or folder", p)
	}

	if bf.remove {
		if p == "" {
			return fmt.Errorf("refusing to delete the root folder")
		}
		return remove(ctx, out, nav, node)
	}
	if !node.IsDirectory {
		return printNodes(out, []*filenav.Node{node})
	}
	if bf.recursive {
		files, err := nav.ListAllFiles(ctx, p)
		if err != nil {
			return err
		}
		return printRows(out, fileTable, files)
	}
	if err := nav.Navigate(ctx, p); err != nil {
		return err
	}
	if !a.watch {
		return printCurrent(out, nav)
	}

	var (
		mu   sync.Mutex
		last string
	)
	show := func() {
		node, ok := nav.Tree().GetNode(nav.CurrentPath())
		if !ok || node.Status != filenav.Loaded {
			return
		}
		var buf bytes.Buffer
		if err := printNodes(&printer{w: &buf, json: out.json}, node.Children()); err != nil {
			warnf("print: %v", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if buf.String() == last {
			return
		}
		last = buf.String()
		out.raw(last)
	}
	sub := nav.Subscribe(func(uint64) { show() })
	defer sub.Unsubscribe()
	show()

	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := nav.Refresh(ctx); err != nil && ctx.Err() == nil {
				logging.Warn("refresh failed", logging.String("path", nav.CurrentPath()), logging.Err(err))
			}
		}
	}
}

func printCurrent(out *printer, nav *filenav.Navigator) error {
	node, ok := nav.Tree().GetNode(nav.CurrentPath())
	if !ok {
		return nil
	}
	return printNodes(out, node.Children())
}

func remove(ctx context.Context, out *printer, nav *filenav.Navigator, node *filenav.Node) error {
	if !node.IsDirectory {
		if err := nav.DeleteFile(ctx, node.Path); err != nil {
			return err
		}
		out.linef("deleted %s", node.Path)
		return nil
	}
	n, err := nav.DeleteFolder(ctx, node.Path)
	if err != nil {
		logging.Warn("folder delete incomplete", logging.String("path", node.Path), logging.Int("deleted", n), logging.Err(err))
		return err
	}
	out.linef("deleted %s (%d files)", node.Path, n)
	return nil
}
