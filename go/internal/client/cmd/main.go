package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/client"
	"github.com/mcdev12/movex/go/internal/config"
	"github.com/mcdev12/movex/go/internal/models"
)

const MovexCtlVersion = "0.1.0"

func main() {
	usage := `Movex resource client.

Defaults come from MOVEX_URL, MOVEX_USER_ID, MOVEX_API_KEY and
MOVEX_WAIT_FOR_RESPONSE (or a .env file).

Usage:
    movexctl create [options] <type> [<state>] [--id=<id>]
    movexctl get [options] <type> <id>
    movexctl update [options] <type> <id> <partial>
    movexctl remove [options] <type> <id>
    movexctl dispatch [options] <type> <id> <action> [<payload>]
    movexctl watch [options] <type> <id>
    movexctl request [options] <name> [<payload>]
    movexctl -h | --help
    movexctl --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --url=<url>           Master websocket url.
    --user=<user_id>      User id to connect as.
    --api_key=<api_key>   Api key sent on the handshake.
    --id=<id>             Resource id to create with.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MovexCtlVersion)
	if err != nil {
		panic(err)
	}

	config.LoadDotEnv()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)
	if url, _ := opts.String("--url"); url != "" {
		cfg.URL = url
	}
	if user, _ := opts.String("--user"); user != "" {
		cfg.UserID = user
	}
	if apiKey, _ := opts.String("--api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, closeClient, err := connect(ctx, cfg.ClientConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start client")
	}
	defer closeClient()

	if create_, _ := opts.Bool("create"); create_ {
		err = create(ctx, rc, opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		err = get(ctx, rc, opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		err = update(ctx, rc, opts)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		err = remove(ctx, rc, opts)
	} else if dispatch_, _ := opts.Bool("dispatch"); dispatch_ {
		err = dispatch(ctx, rc, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, rc, opts)
	} else if request_, _ := opts.Bool("request"); request_ {
		err = request(ctx, rc, opts)
	}
	if err != nil {
		closeClient()
		log.Fatal().Err(err).Msg("command failed")
	}
}

func connect(ctx context.Context, cfg client.Config) (*client.ResourceClient, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	conn := client.NewConnection(cfg.UserID, client.ConnectionConfig{WaitForResponse: cfg.WaitForResponse})
	rc := client.NewResourceClient(conn, client.ResourceClientOptions{ResubscribeOnReconnect: true})
	socket := client.DialWebsocket(ctx, cfg, conn, client.DefaultWebsocketSettings())

	rc.OnDisconnect(func() {
		log.Warn().Str("url", cfg.URL).Msg("connection to master lost")
	})

	log.Info().Str("url", cfg.URL).Str("user_id", cfg.UserID).Msg("connecting to master")
	closed := false
	return rc, func() {
		if closed {
			return
		}
		closed = true
		socket.Close()
		rc.Close()
	}, nil
}

func identifier(opts docopt.Opts) (models.ResourceIdentifier, error) {
	resourceType, _ := opts.String("<type>")
	resourceID, _ := opts.String("<id>")
	rid := models.ResourceIdentifier{ResourceType: resourceType, ResourceID: resourceID}
	return rid, rid.Validate()
}

// jsonArg returns the named argument as raw JSON, or fallback when absent.
func jsonArg(opts docopt.Opts, key string, fallback string) (json.RawMessage, error) {
	value, _ := opts.String(key)
	if value == "" {
		value = fallback
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("%s is not valid JSON", key)
	}
	return json.RawMessage(value), nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to encode output")
		return
	}
	fmt.Println(string(data))
}

func create(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	resourceType, _ := opts.String("<type>")
	resourceID, _ := opts.String("--id")
	state, err := jsonArg(opts, "<state>", "{}")
	if err != nil {
		return err
	}
	item, err := rc.CreateResource(ctx, resourceType, state, resourceID)
	if err != nil {
		return err
	}
	printJSON(item)
	return nil
}

func get(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	rid, err := identifier(opts)
	if err != nil {
		return err
	}
	item, err := rc.GetResource(ctx, rid)
	if err != nil {
		return err
	}
	printJSON(item)
	return nil
}

func update(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	rid, err := identifier(opts)
	if err != nil {
		return err
	}
	partial, err := jsonArg(opts, "<partial>", "")
	if err != nil {
		return err
	}
	item, err := rc.UpdateResource(ctx, rid, partial)
	if err != nil {
		return err
	}
	printJSON(item)
	return nil
}

func remove(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	rid, err := identifier(opts)
	if err != nil {
		return err
	}
	item, err := rc.RemoveResource(ctx, rid)
	if err != nil {
		return err
	}
	printJSON(item)
	return nil
}

func dispatch(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	rid, err := identifier(opts)
	if err != nil {
		return err
	}
	actionType, _ := opts.String("<action>")
	payload, err := jsonArg(opts, "<payload>", "null")
	if err != nil {
		return err
	}
	checksum, err := rc.DispatchAction(ctx, rid, models.Action{Type: actionType, Payload: payload})
	if err != nil {
		return err
	}
	printJSON(map[string]string{"checksum": checksum})
	return nil
}

// watch subscribes and prints every push until interrupted.
func watch(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	rid, err := identifier(opts)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	rc.OnResourceUpdated(func(e models.ResourceEnvelope) {
		if e.Identifier() == rid {
			printJSON(e)
		}
	})
	rc.OnResourceRemoved(func(e models.ResourceEnvelope) {
		if e.Identifier() == rid {
			printJSON(e)
			close(done)
		}
	})
	rc.OnBroadcast(func(b client.Broadcast) {
		log.Info().Str("event", b.Event).RawJSON("message", b.Message).Msg("broadcast")
	})

	item, err := rc.ObserveResource(ctx, rid)
	if err != nil {
		return err
	}
	printJSON(item)

	select {
	case <-ctx.Done():
		unsubscribeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return rc.UnsubscribeFromResource(unsubscribeCtx, rid)
	case <-done:
		return nil
	}
}

func request(ctx context.Context, rc *client.ResourceClient, opts docopt.Opts) error {
	name, _ := opts.String("<name>")
	payload, err := jsonArg(opts, "<payload>", "null")
	if err != nil {
		return err
	}
	reply, err := rc.Request(ctx, name, payload)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		reply = json.RawMessage("null")
	}
	printJSON(reply)
	return nil
}
