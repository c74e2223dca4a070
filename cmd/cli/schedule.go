package main

import (
	"fmt"
	"time"

	"flowpilot/internal/services"

	"github.com/spf13/cobra"
)

var scheduleTZ string

// scheduleCmd 离线解析调度表达式，打印下一次运行时间（UTC）。
var scheduleCmd = &cobra.Command{
	Use:   "schedule <expression>",
	Short: "Resolve a schedule expression and print the next run time",
	Long: `Resolve a schedule expression against the current time and print the
next run time in UTC. Supported forms: RFC3339 one-shot, daily:HH:MM,
weekly:<day>:HH:MM and 5-field cron (minute hour * * weekday).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		next, err := services.ParseSchedule(args[0], scheduleTZ, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Next run: %s (in %s)\n", next.Format(time.RFC3339), time.Until(next).Round(time.Second))
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleTZ, "timezone", "UTC", "IANA timezone for wall-clock expressions")
	rootCmd.AddCommand(scheduleCmd)
}
