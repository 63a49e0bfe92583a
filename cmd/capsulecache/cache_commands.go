package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/config"
	"github.com/cesargomez89/capsulecache/internal/domain"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the local cache",
	}

	cacheCmd.AddCommand(newCacheStatusCommand(ctx))
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCachePurgeCommand(ctx))
	cacheCmd.AddCommand(newCacheSmartCommand(ctx))
	cacheCmd.AddCommand(newCacheClearCommand(ctx))
	cacheCmd.AddCommand(newCachePinCommand(ctx, true))
	cacheCmd.AddCommand(newCachePinCommand(ctx, false))
	cacheCmd.AddCommand(newCachePriorityCommand(ctx))
	cacheCmd.AddCommand(newCacheSettingsCommand(ctx))

	return cacheCmd
}

func newCacheStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			status, err := rt.cache.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			printCacheStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func printCacheStatus(out io.Writer, status *cache.Status) {
	fmt.Fprintf(out, "Files:     %d\n", status.TotalFiles)
	fmt.Fprintf(out, "Size:      %s / %s (%.1f%%)\n", humanBytes(status.TotalSize), humanBytes(status.MaxSize), status.UsagePercent)
	fmt.Fprintf(out, "Available: %s\n", humanBytes(status.AvailableSpace))
	fmt.Fprintf(out, "Pinned:    %d (%s)\n", status.PinnedFiles, humanBytes(status.PinnedSize))
	fmt.Fprintf(out, "Disk free: %s\n", humanBytes(status.DiskFree))
	fmt.Fprintf(out, "Purge due: %s\n", yesNo(status.NeedsPurge))

	if len(status.ByType) == 0 {
		return
	}
	types := make([]string, 0, len(status.ByType))
	for t := range status.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)

	rows := make([][]string, 0, len(types))
	for _, t := range types {
		st := status.ByType[domain.FileType(t)]
		rows = append(rows, []string{t, strconv.Itoa(st.Count), humanBytes(st.Size)})
	}
	fmt.Fprintln(out, renderTable([]string{"Type", "Files", "Size"}, rows, []columnAlignment{alignLeft, alignRight, alignRight}))
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List unpinned entries in eviction order",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := rt.db.ListEvictionCandidates(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Cache entries: none")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					strconv.FormatInt(e.CapsuleID, 10),
					string(e.FileType),
					humanBytes(e.FileSize),
					strconv.Itoa(e.AccessCount),
					strconv.Itoa(e.CachePriority),
					humanize.Time(e.LastAccessedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Capsule", "Type", "Size", "Reads", "Priority", "Last access"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")
	return cmd
}

func newCachePurgeCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var includePinned bool
	var amount string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Evict least recently used entries until usage is under budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			opts := cache.DefaultPurgeOptions()
			opts.DryRun = dryRun
			opts.KeepPinned = !includePinned
			if amount != "" {
				n, err := config.ParseByteSize(amount)
				if err != nil {
					return err
				}
				bytes := int64(n)
				opts.MaxBytesToFree = &bytes
			}
			res, err := rt.cache.PurgeOldCache(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res, dryRun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be evicted without deleting")
	cmd.Flags().BoolVar(&includePinned, "include-pinned", false, "Also evict pinned entries")
	cmd.Flags().StringVar(&amount, "free", "", "Free this much instead of the computed target (e.g. 2GiB)")
	return cmd
}

func newCacheSmartCommand(ctx *commandContext) *cobra.Command {
	opts := cache.DefaultSmartOptions()
	var evictFrequent bool

	cmd := &cobra.Command{
		Use:   "smart",
		Short: "Evict by weighted score until usage reaches the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if opts.TargetUsagePercent <= 0 || opts.TargetUsagePercent > 100 {
				return fmt.Errorf("--target must be in (0, 100], got %v", opts.TargetUsagePercent)
			}
			opts.KeepFrequent = !evictFrequent
			res, err := rt.cache.SmartCleanup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res, opts.DryRun)
			return nil
		},
	}
	cmd.Flags().Float64Var(&opts.TargetUsagePercent, "target", opts.TargetUsagePercent, "Target usage percent of the budget")
	cmd.Flags().IntVar(&opts.MinAccessCount, "min-access", opts.MinAccessCount, "Reads that make an entry frequent")
	cmd.Flags().BoolVar(&evictFrequent, "evict-frequent", false, "Do not protect frequently read entries")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Report what would be evicted without deleting")
	return cmd
}

func newCacheClearCommand(ctx *commandContext) *cobra.Command {
	var includePinned bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			res, err := rt.cache.ClearAll(cmd.Context(), !includePinned)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res, false)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includePinned, "include-pinned", false, "Also remove pinned entries")
	return cmd
}

func newCachePinCommand(ctx *commandContext, pin bool) *cobra.Command {
	use, short := "pin", "Protect an entry from eviction"
	if !pin {
		use, short = "unpin", "Allow an entry to be evicted again"
	}
	return &cobra.Command{
		Use:   use + " <capsule-id> <file-type>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			capsuleID, fileType, err := parseAssetArgs(args)
			if err != nil {
				return err
			}
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if pin {
				err = rt.cache.Pin(capsuleID, fileType)
			} else {
				err = rt.cache.Unpin(capsuleID, fileType)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d/%s\n", use+"ned", capsuleID, fileType)
			return nil
		},
	}
}

func newCachePriorityCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <capsule-id> <file-type> <0-10>",
		Short: "Set the cache priority of an entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			capsuleID, fileType, err := parseAssetArgs(args[:2])
			if err != nil {
				return err
			}
			priority, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid priority %q", args[2])
			}
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return rt.cache.UpdatePriority(capsuleID, fileType, priority)
		},
	}
}

func newCacheSettingsCommand(ctx *commandContext) *cobra.Command {
	var maxSize string
	var autoPurge bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the persisted cache budget and auto-purge",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.ensureRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if maxSize != "" {
				n, err := config.ParseByteSize(maxSize)
				if err != nil {
					return err
				}
				if err := rt.cache.SetMaxSize(int64(n)); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("auto-purge") {
				if err := rt.cache.SetAutoPurge(autoPurge); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Max size:   %s\n", humanBytes(rt.cache.MaxSize()))
			fmt.Fprintf(out, "Auto-purge: %s\n", yesNo(rt.cache.AutoPurge()))
			return nil
		},
	}
	cmd.Flags().StringVar(&maxSize, "max-size", "", "New cache budget (e.g. 20GiB)")
	cmd.Flags().BoolVar(&autoPurge, "auto-purge", true, "Purge automatically after downloads")
	return cmd
}

func printResult(out io.Writer, res *cache.Result, dryRun bool) {
	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(out, "%s %d files, freeing %s\n", verb, res.FilesDeleted, humanBytes(res.SpaceFreed))
	if res.FilesSkipped > 0 {
		fmt.Fprintf(out, "Skipped %d files\n", res.FilesSkipped)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
}

func parseAssetArgs(args []string) (int64, domain.FileType, error) {
	capsuleID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || capsuleID <= 0 {
		return 0, "", fmt.Errorf("invalid capsule id %q", args[0])
	}
	fileType, err := domain.ParseFileType(args[1])
	if err != nil {
		return 0, "", err
	}
	return capsuleID, fileType, nil
}
