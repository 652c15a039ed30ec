// README: Operations CLI: ticks, ledger maintenance, settlements, disputes.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"housecall/internal/config"
	"housecall/internal/infra"
	"housecall/internal/modules/assignment"
	"housecall/internal/modules/availability"
	"housecall/internal/modules/dispute"
	"housecall/internal/modules/job"
	"housecall/internal/modules/ledger"
	"housecall/internal/modules/pricing"
	"housecall/internal/modules/settlement"
	"housecall/internal/modules/ticket"
	"housecall/internal/types"
)

type services struct {
	jobs        *job.Service
	disputes    *dispute.Service
	ledger      *ledger.Service
	settlements *settlement.Service
}

func wire(ctx context.Context) (*services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	redisClient := infra.NewRedis(cfg.Redis.Addr)

	pricingSvc := pricing.NewService(pricing.NewStore(dbPool))
	ticketSvc := ticket.NewService(ticket.NewStore(dbPool))
	jobStore := job.NewStore(dbPool)
	assignmentSvc := assignment.NewService(assignment.NewStore(dbPool), jobStore)
	ledgerSvc := ledger.NewService(ledger.NewStore(dbPool), ticketSvc.Store(),
		cfg.Ledger.AllowRebuild, cfg.Ledger.EvidenceDir)
	disputeStore := dispute.NewStore(dbPool)
	disputeSvc := dispute.NewService(disputeStore, assignmentSvc.Store(), ledgerSvc, nil)
	jobSvc := job.NewService(jobStore, ticketSvc, assignmentSvc, ledgerSvc, pricingSvc, disputeStore, nil)
	jobSvc.SetCandidateFinder(availability.NewService(availability.NewStore(redisClient), cfg.Availability))
	settlementSvc := settlement.NewService(settlement.NewStore(dbPool), ledgerSvc, nil)

	cleanup := func() {
		redisClient.Close()
		dbPool.Close()
	}
	return &services{
		jobs:        jobSvc,
		disputes:    disputeSvc,
		ledger:      ledgerSvc,
		settlements: settlementSvc,
	}, cleanup, nil
}

func main() {
	root := &cobra.Command{Use: "housecall-admin", SilenceUsage: true}
	root.AddCommand(tickCmd(), jobsCmd(), disputesCmd(), ledgerCmd(), settlementsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withServices(fn func(ctx context.Context, s *services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, cleanup, err := wire(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(ctx, s)
	}
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tick", Short: "Run dispatch ticks once"}

	var limit int
	onDemand := &cobra.Command{
		Use:   "on-demand",
		Short: "Process due on-demand jobs",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.jobs.TickOnDemand(ctx, time.Now().UTC(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("due=%d dispatched=%d expired=%d skipped=%d failed=%d\n",
				stats.Due, stats.Dispatched, stats.Expired, stats.Skipped, stats.Failed)
			return nil
		}),
	}
	marketplace := &cobra.Command{
		Use:   "marketplace",
		Short: "Process due marketplace searches",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.jobs.TickMarketplace(ctx, time.Now().UTC(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", stats)
			return nil
		}),
	}
	all := &cobra.Command{
		Use:   "all",
		Short: "Run every tick once",
		RunE: withServices(func(ctx context.Context, s *services) error {
			now := time.Now().UTC()
			if _, err := s.jobs.TickOnDemand(ctx, now, limit); err != nil {
				return err
			}
			if _, err := s.jobs.TickMarketplace(ctx, now, limit); err != nil {
				return err
			}
			return nil
		}),
	}
	cmd.PersistentFlags().IntVar(&limit, "limit", 100, "max jobs per tick")
	cmd.AddCommand(onDemand, marketplace, all)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Job maintenance"}

	var limit int
	autoConfirm := &cobra.Command{
		Use:   "auto-confirm",
		Short: "Confirm completed jobs past the client window",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.jobs.AutoConfirmCompleted(ctx, time.Now().UTC(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("checked=%d confirmed=%d failed=%d\n", stats.Checked, stats.Confirmed, stats.Failed)
			return nil
		}),
	}
	autoConfirm.Flags().IntVar(&limit, "limit", 200, "max jobs to check")

	releaseHolds := &cobra.Command{
		Use:   "release-holds",
		Short: "Release expired urgent holds back to the open pool",
		RunE: withServices(func(ctx context.Context, s *services) error {
			n, err := s.jobs.ReleaseExpiredHolds(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("released %d holds\n", n)
			return nil
		}),
	}

	cmd.AddCommand(autoConfirm, releaseHolds)
	return cmd
}

func disputesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "disputes", Short: "Dispute maintenance"}

	var limit int
	var dryRun bool
	autoResolve := &cobra.Command{
		Use:   "auto-resolve",
		Short: "Resolve disputes the provider never answered",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.disputes.AutoResolve(ctx, time.Now().UTC(), limit, dryRun)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", stats)
			return nil
		}),
	}
	autoResolve.Flags().IntVar(&limit, "limit", 100, "max disputes")
	autoResolve.Flags().BoolVar(&dryRun, "dry-run", false, "report without resolving")
	cmd.AddCommand(autoResolve)
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Ledger maintenance"}

	runID := fmt.Sprintf("admin_%d", time.Now().Unix())

	finalize := &cobra.Command{
		Use:   "finalize <job-id>",
		Short: "Finalize the ledger entry for a confirmed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				e, err := s.ledger.Finalize(ctx, types.ID(args[0]), runID)
				if err != nil {
					return err
				}
				printEntry(e)
				return nil
			})(c, args)
		},
	}

	var reason string
	rebuild := &cobra.Command{
		Use:   "rebuild <job-id>",
		Short: "Rebuild a finalized entry from its tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				e, err := s.ledger.Rebuild(ctx, types.ID(args[0]), runID, reason)
				if err != nil {
					return err
				}
				printEntry(e)
				return nil
			})(c, args)
		},
	}
	rebuild.Flags().StringVar(&reason, "reason", "", "why the entry is being rebuilt")
	_ = rebuild.MarkFlagRequired("reason")

	var limit int
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Create missing ledger snapshots for closed jobs",
		RunE: withServices(func(ctx context.Context, s *services) error {
			ids, err := s.ledger.Backfill(ctx, limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			fmt.Printf("backfilled %d entries\n", len(ids))
			return nil
		}),
	}
	backfill.Flags().IntVar(&limit, "limit", 100, "max jobs to backfill")

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's ledger entry and adjustments",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				e, adjustments, err := s.ledger.Status(ctx, types.ID(args[0]))
				if err != nil {
					return err
				}
				printEntry(e)
				for _, a := range adjustments {
					fmt.Printf("adjustment %s %s %d\n", a.ID, a.Type, a.AmountCents)
				}
				return nil
			})(c, args)
		},
	}

	cmd.AddCommand(finalize, rebuild, backfill, status)
	return cmd
}

func settlementsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settlements", Short: "Settlement operations"}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create settlements for the previous week",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.settlements.GenerateWeekly(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("providers=%d created=%d skipped=%d failed=%d\n",
				stats.Providers, stats.Created, stats.Skipped, stats.Failed)
			return nil
		}),
	}

	approve := &cobra.Command{
		Use:   "approve <settlement-id>",
		Short: "Close a draft settlement for payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				st, err := s.settlements.Approve(ctx, types.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("settlement %s %s net=%d\n", st.ID, st.Status, st.TotalNetProviderCents)
				return nil
			})(c, args)
		},
	}

	var reference, executedBy string
	pay := &cobra.Command{
		Use:   "pay <settlement-id>",
		Short: "Execute the payout for a closed settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				p, err := s.settlements.ExecutePayment(ctx, settlement.PayCommand{
					SettlementID: types.ID(args[0]),
					Reference:    reference,
					ExecutedBy:   executedBy,
				})
				if err != nil {
					return err
				}
				fmt.Printf("paid %d cents, reference %s\n", p.AmountCents, p.Reference)
				return nil
			})(c, args)
		},
	}
	pay.Flags().StringVar(&reference, "reference", "", "payment reference")
	pay.Flags().StringVar(&executedBy, "by", "admin", "operator name")
	_ = pay.MarkFlagRequired("reference")

	var dryRun bool
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Pay every settlement whose payout date has passed",
		RunE: withServices(func(ctx context.Context, s *services) error {
			stats, err := s.settlements.PayoutSweep(ctx, time.Now().UTC(), 500, dryRun)
			if err != nil {
				return err
			}
			fmt.Printf("due=%d paid=%d skipped=%d failed=%d\n", stats.Due, stats.Paid, stats.Skipped, stats.Failed)
			return nil
		}),
	}
	sweep.Flags().BoolVar(&dryRun, "dry-run", false, "report without paying")

	cancel := &cobra.Command{
		Use:   "cancel <settlement-id>",
		Short: "Cancel an empty draft settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, s *services) error {
				st, err := s.settlements.Cancel(ctx, types.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("settlement %s %s\n", st.ID, st.Status)
				return nil
			})(c, args)
		},
	}

	var limit int
	export := &cobra.Command{
		Use:   "export-csv",
		Short: "Dump settlements as CSV on stdout",
		RunE: withServices(func(ctx context.Context, s *services) error {
			n, err := s.settlements.ExportCSV(ctx, os.Stdout, limit)
			if err != nil {
				return err
			}
			log.Printf("exported %d settlements", n)
			return nil
		}),
	}
	export.Flags().IntVar(&limit, "limit", 1000, "max rows")

	integrity := &cobra.Command{
		Use:   "integrity-check",
		Short: "Scan for money invariant violations",
		RunE: withServices(func(ctx context.Context, s *services) error {
			findings, err := s.settlements.IntegrityCheck(ctx)
			if err != nil {
				return err
			}
			for _, f := range findings {
				fmt.Printf("%s: %s\n", f.Check, f.Detail)
			}
			if len(findings) > 0 {
				return fmt.Errorf("%d integrity findings", len(findings))
			}
			fmt.Println("clean")
			return nil
		}),
	}

	cmd.AddCommand(generate, approve, pay, sweep, cancel, export, integrity)
	return cmd
}

func printEntry(e *ledger.Entry) {
	fmt.Printf("job=%s gross=%d tax=%d fee=%d net=%d platform=%d final=%v version=%d\n",
		e.JobID, e.GrossCents, e.TaxCents, e.FeeCents,
		e.NetProviderCents, e.PlatformRevenueCents, e.IsFinal, e.FinalizeVersion)
}
