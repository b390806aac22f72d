package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waymark-ai/waymark/internal/database"
	"github.com/waymark-ai/waymark/internal/types"
)

var (
	statusSessionKey string
	statusMissionID  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show durable session rows for a session or mission",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		dao := database.NewSessionDAO(db)

		if statusSessionKey != "" {
			row, err := dao.Get(ctx, statusSessionKey)
			if err != nil {
				return err
			}
			printRow(row)
			return nil
		}

		if statusMissionID == "" {
			return fmt.Errorf("either --session or --mission is required")
		}
		missionID, err := types.ParseID(statusMissionID)
		if err != nil {
			return fmt.Errorf("invalid --mission id: %w", err)
		}
		rows, err := dao.ListByMission(ctx, missionID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no sessions found")
			return nil
		}
		for i := range rows {
			printRow(&rows[i])
			fmt.Println()
		}
		return nil
	},
}

func printRow(row *database.SessionRow) {
	fmt.Printf("session:    %s\n", row.SessionKey)
	fmt.Printf("mission:    %s\n", row.MissionID)
	fmt.Printf("app/user:   %s / %s\n", row.AppName, row.UserID)
	fmt.Printf("version:    %d\n", row.Version)
	fmt.Printf("status:     %s\n", row.Status)
	fmt.Printf("state size: %d bytes\n", row.StateSizeBytes)
	if row.LastHeartbeatAt != nil {
		fmt.Printf("heartbeat:  %s\n", row.LastHeartbeatAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("updated:    %s\n", row.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func init() {
	statusCmd.Flags().StringVar(&statusSessionKey, "session", "", "session key to inspect")
	statusCmd.Flags().StringVar(&statusMissionID, "mission", "", "mission id to list sessions for")
}
