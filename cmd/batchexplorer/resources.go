package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Azure/BatchExplorer-sub004/internal/batch"
	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// listFlags are the query flags shared by the list commands.
type listFlags struct {
	filter   string
	sel      []string
	pageSize int
	max      int
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.filter, "filter", "", "OData filter")
	cmd.Flags().StringSliceVar(&f.sel, "select", nil, "Attributes to fetch")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 0, "Records per request")
	cmd.Flags().IntVar(&f.max, "max", 0, "Stop after this many records")
}

func (f *listFlags) options() models.ListOptions {
	return models.ListOptions{Filter: f.filter, Select: f.sel, PageSize: f.pageSize, MaxItems: f.max}
}

func newPoolsCmd(a *app) *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "pools [id]",
		Short: "List pools or show one pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showEntity(cmd.Context(), a, a.svc.Pools, models.Params{batch.ParamID: args[0]}, lf.sel, poolTable)
			}
			return listResource(cmd.Context(), a, a.svc.Pools, nil, lf.options(), poolTable)
		},
	}
	lf.register(cmd)
	return cmd
}

func newJobsCmd(a *app) *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showEntity(cmd.Context(), a, a.svc.Jobs, models.Params{batch.ParamID: args[0]}, lf.sel, jobTable)
			}
			return listResource(cmd.Context(), a, a.svc.Jobs, nil, lf.options(), jobTable)
		},
	}
	lf.register(cmd)
	return cmd
}

func newTasksCmd(a *app) *cobra.Command {
	var lf listFlags
	cmd := &cobra.Command{
		Use:   "tasks <jobId> [taskId]",
		Short: "List the tasks of a job or show one task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := models.Params{batch.ParamJobID: args[0]}
			if len(args) == 2 {
				return showEntity(cmd.Context(), a, a.svc.Tasks, params.With(batch.ParamID, args[1]), lf.sel, taskTable)
			}
			return listResource(cmd.Context(), a, a.svc.Tasks, params, lf.options(), taskTable)
		},
	}
	lf.register(cmd)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a pool, job or task",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "pool <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return deleteEntity(cmd.Context(), a, a.svc.Pools, models.Params{batch.ParamID: args[0]})
			},
		},
		&cobra.Command{
			Use:  "job <id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return deleteEntity(cmd.Context(), a, a.svc.Jobs, models.Params{batch.ParamID: args[0]})
			},
		},
		&cobra.Command{
			Use:  "task <jobId> <taskId>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return deleteEntity(cmd.Context(), a, a.svc.Tasks, models.Params{batch.ParamJobID: args[0], batch.ParamID: args[1]})
			},
		},
	)
	return cmd
}

// listResource prints every record of the query, or with --watch keeps a
// polled list view open and reprints on every change.
func listResource[T models.Mergeable[T]](ctx context.Context, a *app, r *batch.Resource[T], params models.Params, opts models.ListOptions, t table[T]) error {
	p := newPrinter(a)
	if !a.watch {
		resp, err := r.List(ctx, params, opts)
		if err != nil {
			return err
		}
		return printRows(p, t, resp.Items)
	}

	v := r.ListView(params, opts)
	defer v.Dispose()
	if _, err := v.FetchNext(ctx, false); err != nil {
		return err
	}
	sub := v.Watch(func(items []T) {
		if err := printRows(p, t, items); err != nil {
			warnf("print: %v", err)
		}
	})
	defer sub.Unsubscribe()
	v.StartPoll(a.pollInterval())
	<-ctx.Done()
	return nil
}

// showEntity prints one record, or with --watch follows it through a
// polled entity view.
func showEntity[T models.Mergeable[T]](ctx context.Context, a *app, r *batch.Resource[T], params models.Params, sel []string, t table[T]) error {
	p := newPrinter(a)
	if !a.watch {
		item, err := r.Get(ctx, params, getter.FetchOptions{Select: sel})
		if err != nil {
			return err
		}
		return printOne(p, t, item)
	}

	v := r.EntityView(params, sel...)
	defer v.Dispose()
	if _, err := v.Fetch(ctx); err != nil {
		return err
	}
	sub := v.Watch(func(item T, ok bool) {
		if !ok {
			p.linef("%s is gone", params)
			return
		}
		if err := printOne(p, t, item); err != nil {
			warnf("print: %v", err)
		}
	})
	defer sub.Unsubscribe()
	v.StartPoll(a.pollInterval())
	<-ctx.Done()
	return nil
}

func deleteEntity[T models.Mergeable[T]](ctx context.Context, a *app, r *batch.Resource[T], params models.Params) error {
	if err := r.Delete(ctx, params); err != nil {
		return err
	}
	newPrinter(a).linef("deleted %s %s", r.Name(), params)
	return nil
}
