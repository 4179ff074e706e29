package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agrofert/agrofert/controller/daemon"
	"github.com/agrofert/agrofert/controller/modules/dispenser"
	"github.com/agrofert/agrofert/controller/storage"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			s := daemon.DefaultSettings
			if path != "" {
				var err error
				if s, err = daemon.ParseSettings(path); err != nil {
					return err
				}
			}
			return daemon.Run(s)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to the settings file")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _ := cmd.Flags().GetString("db")
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := storage.NewReadOnlyStore(db)
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := dispenser.ListHistory(store)
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}
			printHistory(os.Stdout, records, time.Now())
			return nil
		},
	}
	cmd.Flags().String("db", "agrofert.db", "Path to the database")
	cmd.Flags().IntP("limit", "n", 20, "Show at most this many tasks (0 for all)")
	return cmd
}

func printHistory(w io.Writer, records []dispenser.TaskRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No tasks recorded")
		return
	}
	for _, r := range records {
		flags := color.New(color.FgGreen).Sprint(r.Codes)
		if r.Flags != 0 {
			flags = color.New(color.FgRed).Sprint(r.Codes)
		}
		fmt.Fprintf(w, "%-5s  %-14s  %8s  %10s daa  %10s  %s\n",
			r.Channel,
			humanize.RelTime(r.Ended, now, "ago", "from now"),
			(time.Duration(r.Duration) * time.Second).String(),
			humanize.FormatFloat("#,###.##", r.Area/dispenser.SquareMetersPerDaa),
			humanize.FormatFloat("#,###.##", r.Consumption),
			flags)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the stored operator configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _ := cmd.Flags().GetString("db")
			store, err := storage.NewReadOnlyStore(db)
			if err != nil {
				return err
			}
			defer store.Close()
			var cfg dispenser.Config
			if err := store.Get(dispenser.Bucket, dispenser.DefaultConfig().ID, &cfg); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().String("db", "agrofert.db", "Path to the database")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for the settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := daemon.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}
}
