package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ent0n29/coachstream/internal/observability"
	"github.com/ent0n29/coachstream/internal/protocol"
	"github.com/ent0n29/coachstream/internal/stream"
)

type options struct {
	baseURL      string
	userID       string
	turns        int
	interTurn    time.Duration
	turnTimeout  time.Duration
	texts        []string
	verbose      bool
	fetchServer  bool
	totalTimeout time.Duration
}

type startRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string          `json:"type"`
	Seq    int64           `json:"seq,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	Code   string          `json:"code,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

type turnResult struct {
	SessionID  string
	Query      string
	FirstChunk time.Duration
	Total      time.Duration
	Chars      int
	Error      string
}

type report struct {
	Turns  []turnResult
	Server *observability.StreamStageSnapshot
}

var defaultQueries = []string{
	"Give me a three day plan for a beginner.",
	"How long should I rest between heavy sets?",
	"What is a deload week?",
	"Plan a light recovery session for tomorrow.",
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfg      options
		textsRaw string
	)
	cmd := &cobra.Command{
		Use:           "perfstream",
		Short:         "Replay questions through the stream API and report latency",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.normalize(textsRaw); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.totalTimeout)
			defer cancel()

			logf := func(string, ...any) {}
			if cfg.verbose {
				logf = func(format string, args ...any) {
					fmt.Fprintf(cmd.ErrOrStderr(), "perfstream: "+format+"\n", args...)
				}
			}
			rep, err := run(ctx, cfg, logf)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "coachstream base URL")
	f.StringVar(&cfg.userID, "user-id", "perf-replay", "user_id owning the replayed sessions")
	f.IntVar(&cfg.turns, "turns", 10, "number of questions to replay")
	f.DurationVar(&cfg.interTurn, "inter-turn", 200*time.Millisecond, "pause between questions")
	f.DurationVar(&cfg.turnTimeout, "turn-timeout", 60*time.Second, "time allowed for one answer to finish")
	f.DurationVar(&cfg.totalTimeout, "timeout", 10*time.Minute, "time allowed for the whole replay")
	f.StringVar(&textsRaw, "texts", "", "questions separated by '|' (optional)")
	f.BoolVar(&cfg.verbose, "verbose", true, "print replay progress to stderr")
	f.BoolVar(&cfg.fetchServer, "server-stats", true, "also fetch /v1/perf/latency after the replay")
	return cmd
}

func (o *options) normalize(textsRaw string) error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("base-url is required")
	}
	if strings.TrimSpace(o.userID) == "" {
		return errors.New("user-id is required")
	}
	if o.turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if o.interTurn < 0 {
		o.interTurn = 0
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	if o.totalTimeout <= 0 {
		o.totalTimeout = 10 * time.Minute
	}

	if strings.TrimSpace(textsRaw) == "" {
		o.texts = append([]string(nil), defaultQueries...)
		return nil
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			o.texts = append(o.texts, t)
		}
	}
	if len(o.texts) == 0 {
		return errors.New("texts produced no non-empty questions")
	}
	return nil
}

func run(ctx context.Context, cfg options, logf func(string, ...any)) (report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	wsURL, err := wsURLForUser(cfg.baseURL, cfg.userID)
	if err != nil {
		return report{}, errors.Wrap(err, "build ws URL")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, errors.Wrap(err, "open websocket")
	}
	defer conn.Close()

	states := make(chan stream.StreamState, 256)
	readErrCh := make(chan error, 1)
	go readLoop(ctx, conn, states, readErrCh, logf)

	var rep report
	for i := 0; i < cfg.turns; i++ {
		query := cfg.texts[i%len(cfg.texts)]
		logf("turn %d/%d query=%q", i+1, cfg.turns, query)

		res, err := replayTurn(ctx, httpClient, cfg, query, states, readErrCh)
		if err != nil {
			return rep, errors.Wrapf(err, "turn %d", i+1)
		}
		logf("turn %d session=%s first_chunk=%s total=%s chars=%d", i+1, res.SessionID, res.FirstChunk, res.Total, res.Chars)
		rep.Turns = append(rep.Turns, res)

		if cfg.interTurn > 0 && i < cfg.turns-1 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(cfg.interTurn):
			}
		}
	}

	if cfg.fetchServer {
		snap, err := fetchServerStages(ctx, httpClient, cfg.baseURL)
		if err != nil {
			logf("server stats unavailable: %v", err)
		} else {
			rep.Server = &snap
		}
	}
	return rep, nil
}

func replayTurn(ctx context.Context, client *http.Client, cfg options, query string, states <-chan stream.StreamState, readErrCh <-chan error) (turnResult, error) {
	started := time.Now()
	sessionID, err := startStream(ctx, client, cfg, query)
	if err != nil {
		return turnResult{}, errors.Wrap(err, "start stream")
	}
	res := turnResult{SessionID: sessionID, Query: query}

	timer := time.NewTimer(cfg.turnTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case err := <-readErrCh:
			return res, errors.Wrap(err, "ws read")
		case <-timer.C:
			return res, errors.Errorf("session %s did not finish within %s", sessionID, cfg.turnTimeout)
		case st := <-states:
			if st.SessionID != sessionID {
				continue
			}
			if res.FirstChunk == 0 && st.StreamedContent != "" {
				res.FirstChunk = time.Since(started)
			}
			if st.IsStreaming {
				continue
			}
			res.Total = time.Since(started)
			res.Chars = len(st.StreamedContent)
			res.Error = st.Error
			return res, nil
		}
	}
}

func startStream(ctx context.Context, client *http.Client, cfg options, query string) (string, error) {
	payload, err := json.Marshal(startRequest{UserID: cfg.userID, Query: query})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/streams", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusAccepted {
		return "", errors.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out startResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", errors.New("missing session_id in response")
	}
	return out.SessionID, nil
}

func fetchServerStages(ctx context.Context, client *http.Client, baseURL string) (observability.StreamStageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return observability.StreamStageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.StreamStageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return observability.StreamStageSnapshot{}, errors.Errorf("HTTP %d", res.StatusCode)
	}
	var snap observability.StreamStageSnapshot
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&snap); err != nil {
		return observability.StreamStageSnapshot{}, err
	}
	return snap, nil
}

func wsURLForUser(baseURL, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/streams/ws"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, states chan<- stream.StreamState, readErrCh chan<- error, logf func(string, ...any)) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeStateSnapshot):
			var st stream.StreamState
			if err := json.Unmarshal(env.State, &st); err != nil {
				continue
			}
			select {
			case states <- st:
			case <-ctx.Done():
				return
			}
		case string(protocol.TypeErrorEvent):
			logf("error_event code=%s detail=%s", env.Code, env.Detail)
		}
	}
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func printReport(w io.Writer, rep report) {
	var first, total []time.Duration
	failed := 0
	for _, t := range rep.Turns {
		if t.Error != "" {
			failed++
			continue
		}
		if t.FirstChunk > 0 {
			first = append(first, t.FirstChunk)
		}
		total = append(total, t.Total)
	}
	fmt.Fprintf(w, "turns=%d failed=%d\n", len(rep.Turns), failed)
	fmt.Fprintf(w, "first_chunk p50=%s p95=%s\n", percentile(first, 0.5), percentile(first, 0.95))
	fmt.Fprintf(w, "total       p50=%s p95=%s\n", percentile(total, 0.5), percentile(total, 0.95))
	if rep.Server == nil {
		return
	}
	for _, s := range rep.Server.Stages {
		fmt.Fprintf(w, "server %-20s samples=%d p50=%.1fms p95=%.1fms\n", s.Stage, s.Samples, s.P50MS, s.P95MS)
	}
	for _, ind := range rep.Server.Indicators {
		fmt.Fprintf(w, "server %-20s count=%d\n", ind.Name, ind.Count)
	}
}
