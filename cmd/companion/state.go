package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/companion/internal/statemachine"
)

var (
	stateServer string
	stateDims   bool
)

var stateCmd = &cobra.Command{
	Use:   "state [companion-id]",
	Short: "Show a companion's states and behavior constraints",
	Long: `Without --server, prints the initial state of a companion under the
configured state document, which is useful to check a document before
deploying it. With --server, fetches the live state from a running service.

Example:
  companion state buddy --server http://127.0.0.1:8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runState,
}

func init() {
	stateCmd.Flags().StringVar(&stateServer, "server", "", "Base URL of a running companion service")
	stateCmd.Flags().BoolVar(&stateDims, "dimensions", false, "List the configured dimensions and their states")
}

func runState(cmd *cobra.Command, args []string) error {
	companionID := "buddy"
	if len(args) == 1 {
		companionID = args[0]
	}
	out := cmd.OutOrStdout()

	if stateServer != "" {
		body, err := fetchState(commandContext(cmd), stateServer, companionID, cfg.Security.APIToken)
		if err != nil {
			return err
		}
		_, err = out.Write(body)
		return err
	}

	doc, err := loadStateDocument(cfg.StateMachine.ConfigPath)
	if err != nil {
		return err
	}
	if stateDims {
		for _, dim := range doc.Dimensions {
			ids := make([]string, 0, len(dim.States))
			for _, st := range dim.States {
				ids = append(ids, st.ID)
			}
			fmt.Fprintf(out, "%s (default %s): %s\n", dim.Name, dim.DefaultStateID, strings.Join(ids, ", "))
		}
		return nil
	}
	m := statemachine.NewMachine(doc, statemachine.WithLogger(logger))
	return writeJSON(out, m.Summary())
}

// loadStateDocument is strict: a broken document is an error here, not a
// silent fallback to the embedded one.
func loadStateDocument(path string) (*statemachine.Document, error) {
	doc, err := statemachine.LoadDocument(path)
	if err != nil {
		return nil, fmt.Errorf("state document: %w", err)
	}
	return doc, nil
}

func fetchState(ctx context.Context, base, companionID, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	endpoint := strings.TrimRight(base, "/") + "/api/state/" + url.PathEscape(companionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("fetch state: %s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("fetch state: %s", resp.Status)
	}
	return body, nil
}
