// Command consult is the terminal client for HealthSync video
// consultations. Clinicians create rooms, patients join them by key;
// both get chat, live transcription and emergency keyword alerts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appVersion = "1.0.0"

var (
	flagServer string
	flagName   string
	flagCamera string
	flagMic    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "consult",
		Short:   "HealthSync video consultation client",
		Long:    "Create or join a HealthSync consultation from the terminal.\nThe session runs until Ctrl+C or /end.",
		Version: appVersion,
	}

	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "HealthSync server base URL")
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "", "display name (required)")
	rootCmd.PersistentFlags().StringVar(&flagCamera, "camera", "", "camera device for ffmpeg (platform default if empty)")
	rootCmd.PersistentFlags().StringVar(&flagMic, "mic", "", "microphone device for ffmpeg (platform default if empty)")

	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newJoinCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Open a new consultation as clinician",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagName == "" {
				return fmt.Errorf("--name is required")
			}
			return runConsult(cmd.Context(), consultOptions{
				server: flagServer,
				name:   flagName,
				role:   "clinician",
				camera: flagCamera,
				mic:    flagMic,
			})
		},
	}
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <key>",
		Short: "Join an existing consultation as patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagName == "" {
				return fmt.Errorf("--name is required")
			}
			return runConsult(cmd.Context(), consultOptions{
				server: flagServer,
				name:   flagName,
				role:   "patient",
				key:    args[0],
				camera: flagCamera,
				mic:    flagMic,
			})
		},
	}
}
