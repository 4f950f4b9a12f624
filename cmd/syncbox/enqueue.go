package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenhealth/syncbox/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <kind>",
	Short: "Queue a mutation for delivery",
	Long: `Enqueue durably records a write intent. The mutation survives restarts
and is delivered on the next sync session. Mutations sharing a --key are
delivered strictly in the order they were queued.`,
	Example: `  syncbox enqueue mood_log --payload '{"mood":4}' --key mood:2025-06-01
  syncbox enqueue memory_upload --payload-file entry.json
  cat entry.json | syncbox enqueue memory_upload`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var (
	enqueuePayload     string
	enqueuePayloadFile string
	enqueueKey         string
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVarP(&enqueuePayload, "payload", "p", "",
		"Payload JSON (reads stdin if no payload flag is given)")
	enqueueCmd.Flags().StringVar(&enqueuePayloadFile, "payload-file", "",
		"Read payload JSON from a file")
	enqueueCmd.Flags().StringVarP(&enqueueKey, "key", "k", "",
		"Logical key for per-entity ordering")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	kind := models.Kind(args[0])

	payload, err := readPayload()
	if err != nil {
		return err
	}

	m, err := apiClient.Enqueue(kind, payload, enqueueKey)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			var full *models.QueueFullError
			if errors.As(err, &full) {
				printWarning("Queue is full (%d pending); sync or purge before queuing more", full.Pending)
			}
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":     true,
			"mutation_id": m.ID,
			"kind":        string(m.Kind),
			"priority":    cfg.Queue.PriorityOf(string(m.Kind)),
			"logical_key": m.LogicalKey,
			"status":      string(m.Status),
		})
	} else {
		printSuccess("Queued %s mutation %s", m.Kind, shortID(m.ID))
	}

	return nil
}

// readPayload resolves the payload from flag, file, or stdin.
func readPayload() ([]byte, error) {
	switch {
	case enqueuePayload != "" && enqueuePayloadFile != "":
		return nil, errors.New("--payload and --payload-file are mutually exclusive")

	case enqueuePayload != "":
		return []byte(enqueuePayload), nil

	case enqueuePayloadFile != "":
		data, err := os.ReadFile(enqueuePayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return data, nil

	default:
		data, err := io.ReadAll(io.LimitReader(os.Stdin, models.MaxPayloadSize+1))
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
}
