// Roomsync CLI entry point.
//
// This tool joins a shared room and keeps a replicated key/value map in sync
// with every other member, over direct peer links, a relay, or a local host
// bridge, whichever is reachable.
//
// It can be launched interactively (no --room) or non-interactively via flags,
// environment variables (ROOMSYNC_*) or a config file.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/roomsync/internal/awareness"
	"github.com/1ureka/roomsync/internal/config"
	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/peer"
	"github.com/1ureka/roomsync/internal/provider"
	"github.com/1ureka/roomsync/internal/relay"
	"github.com/1ureka/roomsync/internal/signaling"
	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

var version = "dev"

const identityKey = "client/identity"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "join" {
		args = args[1:]
	}

	fs := pflag.NewFlagSet("roomsync join", pflag.ContinueOnError)
	config.ClientFlags(fs)
	sets := fs.StringArray("set", nil, "key=value to write into the room (repeatable, key= deletes)")
	name := fs.String("name", "", "display name shared with the room")
	debugMode := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(2)
	}

	cfg, err := config.LoadClient(fs)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode {
		util.EnableDebug()
	} else if !util.SetLevel(cfg.LogLevel) {
		util.LogWarning("unknown log level %q, keeping info", cfg.LogLevel)
	}

	pterm.Info.Println(fmt.Sprintf("Roomsync v%s", version))
	pterm.Println()

	if cfg.Room == "" {
		// No --room → interactive mode.
		askRoom(cfg)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	assignments, err := parseAssignments(*sets)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, assignments, *name); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("successfully left room %s", cfg.Room)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Client, assignments []assignment, name string) error {
	st, err := openStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	cache, err := signaling.NewCache(st)
	if err != nil {
		return err
	}
	signer, err := loadIdentity(st)
	if err != nil {
		return err
	}
	roomKey, err := cfg.RoomKey()
	if err != nil {
		return err
	}

	doc := crdt.NewMap(crdt.NewClientID())
	backoff := func() *transport.Backoff {
		return &transport.Backoff{Base: cfg.Backoff.Base, Max: cfg.Backoff.Max, MaxRetries: cfg.Backoff.MaxRetries}
	}

	p, err := provider.New(ctx, provider.Options{
		RoomID: cfg.Room,
		Doc:    doc,
		Peer: &peer.Config{
			PublicKey:  base64.StdEncoding.EncodeToString(signer.Public().(ed25519.PublicKey)),
			Invite:     cfg.Invite,
			Cache:      cache,
			Fallback:   cfg.Fallback,
			ICEServers: cfg.ICEServers,
			Backoff:    backoff(),
		},
		Relay: &relay.Config{
			Endpoints: cfg.Relay,
			RoomKey:   roomKey,
			Signer:    signer,
			Backoff:   backoff(),
		},
		BridgeURL: cfg.Bridge,
		Awareness: awareness.Config{
			Throttle:      cfg.Awareness.Throttle,
			MaxAge:        cfg.Awareness.MaxAge,
			SweepInterval: cfg.Awareness.SweepInterval,
		},
	})
	if err != nil {
		return err
	}
	defer p.Destroy()

	statuses := p.Subscribe()
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	util.LogInfo("joining %s via %s", cfg.Room, kindList(p.Kinds()))
	util.StartStatsReporter(ctx)

	for _, a := range assignments {
		if a.value == "" {
			doc.Delete(a.key)
		} else {
			doc.Set(a.key, []byte(a.value))
		}
	}
	if name != "" {
		_ = p.Awareness().SetField("name", name)
	}

	updates, unsubscribe := doc.Subscribe()
	defer unsubscribe()

	for {
		select {
		case s, ok := <-statuses:
			if !ok {
				return nil
			}
			printStatus(s, p.Peers())
			if s == transport.StatusDestroyed {
				return nil
			}

		case <-updates:
			printDocument(doc.Snapshot())

		case <-p.Awareness().Changes():
			printPresence(p.Awareness())

		case <-ctx.Done():
			return p.Destroy()
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func openStore(dir string) (*store.Store, error) {
	if dir == "" {
		return store.OpenInMemory()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.Open(dir)
}

// loadIdentity returns this installation's signing key, creating it on first
// use. It signs key deliveries and identifies us on the rendezvous.
func loadIdentity(st *store.Store) (ed25519.PrivateKey, error) {
	seed, err := st.Get(identityKey)
	if err == nil && len(seed) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	if err := st.Set(identityKey, priv.Seed()); err != nil {
		return nil, err
	}
	return priv, nil
}

type assignment struct {
	key   string
	value string
}

// parseAssignments parses --set values of the form key=value.
func parseAssignments(raw []string) ([]assignment, error) {
	out := make([]assignment, 0, len(raw))
	for _, r := range raw {
		key, value, ok := strings.Cut(r, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: want key=value", r)
		}
		out = append(out, assignment{key: key, value: value})
	}
	return out, nil
}

func kindList(kinds []transport.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, " + ")
}

func printStatus(s transport.Status, peers []string) {
	switch s {
	case transport.StatusConnected:
		util.LogSuccess("connected, %d link(s): %s", len(peers), strings.Join(peers, ", "))
	case transport.StatusError:
		util.LogError("every transport failed")
	default:
		util.LogInfo("status: %s", s)
	}
}

func printDocument(snapshot map[string][]byte) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := pterm.TableData{{"Key", "Value"}}
	for _, k := range keys {
		data = append(data, []string{k, string(snapshot[k])})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printPresence(agg *awareness.Aggregator) {
	entries := agg.Entries()
	if len(entries) == 0 {
		util.LogInfo("nobody else is here")
		return
	}
	data := pterm.TableData{{"Client", "Via", "State"}}
	for _, e := range entries {
		data = append(data, []string{strconv.FormatUint(e.ClientID, 16), e.Source, formatState(e.State)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func formatState(state map[string]string) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + state[k]
	}
	return strings.Join(parts, " ")
}

// askRoom prompts for the room and, when nothing else is configured, a
// signaling URL.
func askRoom(cfg *config.Client) {
	for cfg.Room == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room id").
			Show()
		cfg.Room = strings.TrimSpace(raw)
		pterm.Println()
	}

	if len(cfg.Invite) == 0 && cfg.Fallback == "" && len(cfg.Relay) == 0 && cfg.Bridge == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. wss://rendezvous.example/signal)").
			Show()
		if u := strings.TrimSpace(raw); u != "" {
			cfg.Invite = []string{u}
		}
		pterm.Println()
	}
}
