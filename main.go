// Roomcast
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/roomcast/internal/chat"
	"github.com/knadh/roomcast/internal/hub"
	"github.com/knadh/roomcast/internal/moderation"
	"github.com/knadh/roomcast/internal/presence"
	"github.com/knadh/roomcast/store"
	"github.com/knadh/roomcast/store/mem"
	"github.com/knadh/roomcast/store/redis"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
)

var (
	logger   = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko       = koanf.New(".")
	validate = validator.New()

	// Version of the build injected at build time.
	buildString = "unknown"
)

// appConfig represents the app level configuration.
type appConfig struct {
	Address       string   `koanf:"address" validate:"required"`
	Name          string   `koanf:"name"`
	JWTSecret     string   `koanf:"jwt_secret" validate:"required,min=16"`
	CensoredWords []string `koanf:"censored_words"`
	CensorChar    string   `koanf:"censor_char" validate:"required,len=1"`

	Tor        bool   `koanf:"tor"`
	TorKeyFile string `koanf:"tor_key_file" validate:"required_if=Tor true"`
	TorExePath string `koanf:"tor_exe_path"`
}

// App is the global app context that's passed around.
type App struct {
	cfg      *appConfig
	hub      *hub.Hub
	presence *presence.Manager
	chat     *chat.Service
	fs       stuffbin.FileSystem
	logger   *log.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("new-config", false, "Generate a new sample config.toml file.")
	f.Bool("dump", false, "Print the rooms and identities online in the store and exit")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Secrets are usually kept in a .env file in development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("error reading .env: %v", err)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("ROOMCAST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ROOMCAST_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// unmarshal reads a config block into o and validates it.
func unmarshal(k *koanf.Koanf, key string, o interface{}) error {
	if err := k.Unmarshal(key, o); err != nil {
		return fmt.Errorf("error unmarshalling '%s' config: %v", key, err)
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid '%s' config: %v", key, err)
	}
	return nil
}

// initFS initializes the stuffbin embedded static filesystem.
func initFS() stuffbin.FileSystem {
	// Get self executable path to initialise stuffed FS.
	exe, err := os.Executable()
	if err != nil {
		log.Fatalf("error getting executable path: %v", err)
	}

	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("./", "./config.sample.toml:/config.sample.toml")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}
	return fs
}

// newConfigFile writes the sample config from the embedded filesystem to path.
func newConfigFile(fs stuffbin.FileSystem, path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return fmt.Errorf("%s exists. Remove it to generate a new one", path)
	}

	b, err := fs.Read("/config.sample.toml")
	if err != nil {
		return fmt.Errorf("error reading sample config: %v", err)
	}
	return os.WriteFile(path, b, 0600)
}

// initStore initializes the membership store picked by store.type.
// The returned func releases the store's resources.
func initStore() (store.Store, func(), error) {
	switch typ := ko.String("store.type"); typ {
	case "redis":
		var cfg redis.Config
		if err := unmarshal(ko, "store.redis", &cfg); err != nil {
			return nil, nil, err
		}
		st, err := redis.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Printf("error closing store: %v", err)
			}
		}, nil

	case "mem", "":
		st, err := mem.New(mem.Config{})
		return st, func() {}, err

	default:
		return nil, nil, fmt.Errorf("unknown store type '%s'", typ)
	}
}

// catchInterrupts shuts the server down on SIGINT and SIGTERM. Open
// websockets are closed through the hub so that every connection leaves
// its room before the process exits. The returned channel is closed
// once that's done.
func catchInterrupts(srv *http.Server, h *hub.Hub, timeout time.Duration) <-chan struct{} {
	var (
		done = make(chan struct{})
		c    = make(chan os.Signal, 1)
	)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		logger.Printf("shutting down: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("error shutting down server: %v", err)
		}
		if err := h.Close(ctx); err != nil {
			logger.Printf("error closing connections: %v", err)
		}
		close(done)
	}()
	return done
}

// serve blocks serving srv on its address, or as an onion service.
func serve(srv *http.Server, cfg *appConfig) error {
	if !cfg.Tor {
		logger.Printf("starting server on %v", cfg.Address)
		return srv.ListenAndServe()
	}

	pk, err := getOrCreatePK(cfg.TorKeyFile)
	if err != nil {
		return fmt.Errorf("error loading onion key: %v", err)
	}
	ts := &torServer{srv: srv, privateKey: pk, exePath: cfg.TorExePath}
	logger.Printf("starting onion service on http://%s.onion", onionAddr(pk))
	return ts.ListenAndServe()
}

func main() {
	// Load configuration from files.
	loadConfig()

	// Initialize global app context.
	app := &App{
		logger: logger,
		fs:     initFS(),
	}

	if ko.Bool("new-config") {
		if err := newConfigFile(app.fs, "config.toml"); err != nil {
			logger.Fatal(err)
		}
		fmt.Println("config.toml generated. Edit and run the app.")
		os.Exit(0)
	}

	var (
		cfg     appConfig
		hubCfg  hub.Config
		chatCfg chat.Config
	)
	for _, c := range []interface{}{&cfg, &hubCfg, &chatCfg} {
		if err := unmarshal(ko, "app", c); err != nil {
			logger.Fatal(err)
		}
	}
	app.cfg = &cfg

	minTime := time.Duration(3) * time.Second
	if hubCfg.WSTimeout < minTime {
		logger.Fatal("app.websocket_timeout should be > 3s")
	}

	// Initialize store.
	st, closeStore, err := initStore()
	if err != nil {
		logger.Fatalf("error initializing store: %v", err)
	}
	app.hub = hub.New(&hubCfg, logger)
	app.presence = presence.New(st, app.hub)

	if ko.Bool("dump") {
		if ko.String("store.type") != "redis" {
			logger.Printf("the mem store is per process. --dump only shows rooms of a shared redis store")
		}
		if err := dumpPresence(app.presence, os.Stdout); err != nil {
			logger.Fatalf("error dumping presence: %v", err)
		}
		closeStore()
		os.Exit(0)
	}

	r, _ := utf8.DecodeRuneInString(cfg.CensorChar)
	mod, err := moderation.New(cfg.CensoredWords, r)
	if err != nil {
		logger.Fatalf("error initializing moderation: %v", err)
	}
	app.chat = chat.New(chatCfg, app.hub, app.presence, mod, logger)

	// Start the app.
	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: newRouter(app),
	}
	done := catchInterrupts(srv, app.hub, hubCfg.WSTimeout*2)

	if err := serve(srv, &cfg); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("couldn't start server: %v", err)
	}

	<-done
	closeStore()
}
