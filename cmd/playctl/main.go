package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"playdelivery/internal/app"
	"playdelivery/internal/config"
	"playdelivery/internal/logging"
	"playdelivery/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

type cli struct {
	out    io.Writer
	dbPath string
}

func rootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	command := &cobra.Command{
		Use:          "playctl",
		Short:        "Operate the play delivery store",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVar(&c.dbPath, "db", "", "path to SQLite database (overrides STORE_PATH)")

	command.AddCommand(c.orderCmd())
	command.AddCommand(c.capacityCmd())
	command.AddCommand(c.validateCmd())
	command.AddCommand(c.orphansCmd())
	command.AddCommand(c.dlqCmd())
	command.AddCommand(c.sourcesCmd())
	return command
}

// withApp loads config, opens the components and runs fn against them.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.Store.Path = c.dbPath
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) orderCmd() *cobra.Command {
	command := &cobra.Command{Use: "order", Short: "Create and manage orders"}

	var req models.CreateOrderRequest
	create := &cobra.Command{
		Use:   "create",
		Short: "Admit and store an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				order, decision, err := a.Orders.CreateOrder(cmd.Context(), &req)
				if err != nil {
					if decision != nil {
						_ = c.print(decision)
					}
					return err
				}
				return c.print(map[string]any{"order": order, "decision": decision})
			})
		},
	}
	create.Flags().Int64VarP(&req.Quantity, "quantity", "q", 0, "number of plays")
	create.Flags().StringVar(&req.Tier, "tier", "DEFAULT", "routing tier: DEFAULT, PREMIUM, ELITE or HIGH_VOLUME")
	create.Flags().StringVar(&req.GeoProfile, "geo", "", "target country code")
	create.Flags().StringVar(&req.PricePerUnit, "price", "0", "price per play, e.g. 0.0025")
	_ = create.MarkFlagRequired("quantity")

	get := &cobra.Command{
		Use:   "get ORDER_ID",
		Short: "Show an order and its task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				order, err := a.Orders.GetOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				counts, err := a.Orders.TaskCounts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.print(map[string]any{"order": order, "tasks": counts})
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending and running orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				orders, err := a.Orders.ListOpen(cmd.Context())
				if err != nil {
					return err
				}
				if orders == nil {
					orders = []*models.Order{}
				}
				return c.print(orders)
			})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return a.Orders.Cancel(cmd.Context(), args[0])
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete ORDER_ID",
		Short: "Mark an instant order delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return a.Orders.CompleteInstant(cmd.Context(), args[0])
			})
		},
	}

	command.AddCommand(create, get, list, cancel, complete)
	return command
}

func (c *cli) capacityCmd() *cobra.Command {
	var quantity int64
	command := &cobra.Command{
		Use:   "capacity",
		Short: "Check whether an order of the given size would be admitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				decision, err := a.Capacity.CanAccept(cmd.Context(), quantity)
				if err != nil {
					return err
				}
				return c.print(decision)
			})
		},
	}
	command.Flags().Int64VarP(&quantity, "quantity", "q", 0, "number of plays")
	_ = command.MarkFlagRequired("quantity")
	return command
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate ORDER_ID",
		Short: "Check an order's delivery bookkeeping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Validator.ValidateOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := c.print(res); err != nil {
					return err
				}
				if !res.Passed {
					return fmt.Errorf("order %s has %d violations", args[0], len(res.Violations))
				}
				return nil
			})
		},
	}
}

func (c *cli) orphansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List tasks executing longer than the orphan threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Validator.CheckOrphans(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(res)
			})
		},
	}
}

func (c *cli) dlqCmd() *cobra.Command {
	var orderID string
	command := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				letters, err := a.Orders.ListDeadLetters(cmd.Context(), orderID)
				if err != nil {
					return err
				}
				if letters == nil {
					letters = []*models.DeadLetter{}
				}
				return c.print(letters)
			})
		},
	}
	command.Flags().StringVar(&orderID, "order", "", "only this order")
	return command
}

func (c *cli) sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Show the routing fleet and remaining quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return c.print(a.Registry.Descriptors(cmd.Context()))
			})
		},
	}
}
