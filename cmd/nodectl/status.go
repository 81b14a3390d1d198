package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/swarmsync/internal/node"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [admin-addr]",
	Short: "Show a running node's status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := "127.0.0.1:7402"
	if len(args) == 1 {
		addr = args[0]
	}
	st, err := fetchStatus(cmd.Context(), addr)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func fetchStatus(ctx context.Context, addr string) (node.Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(url, "/")+"/status", nil)
	if err != nil {
		return node.Status{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return node.Status{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return node.Status{}, fmt.Errorf("status request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st node.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return node.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func printStatus(out io.Writer, st node.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", st.ID)
	fmt.Fprintf(w, "namespace\t%s\n", st.Namespace)
	fmt.Fprintf(w, "locator\t%s\n", st.Locator)
	fmt.Fprintf(w, "connected\t%t\n", st.Connected)
	fmt.Fprintf(w, "peers\t%s\n", strings.Join(st.Peers, ", "))
	director := st.Director
	if director == "" {
		director = "-"
	}
	fmt.Fprintf(w, "director\t%s (%s)\n", director, st.DirectorState)
	fmt.Fprintf(w, "clock\tlocked=%t offset=%.1fms drift=%.3fms rtt=%.1fms\n", st.Locked, st.OffsetMs, st.DriftMs, st.MedianRTTMs)
	fmt.Fprintf(w, "delay\t%dms\n", st.SignedDelayMs)
	if st.Playing != "" {
		fmt.Fprintf(w, "playing\t%s at %dms\n", st.Playing, st.PositionMs)
	}
	if st.Selected != "" {
		fmt.Fprintf(w, "selected\t%s\n", st.Selected)
	}
	if st.Pending != nil {
		fmt.Fprintf(w, "pending\t%s global=%d local=%d\n", st.Pending.ObjectID, st.Pending.GlobalStartMs, st.Pending.LocalStartMs)
	}
	fmt.Fprintf(w, "catalog\ttrusted=%t objects=%d\n", st.CatalogTrusted, len(st.Objects))
	for _, obj := range st.Objects {
		fmt.Fprintf(w, "  %s\t%s size=%d v=%d local=%t\n", obj.ID, obj.Name, obj.Size, obj.Version, obj.Local)
	}
	_ = w.Flush()
}
