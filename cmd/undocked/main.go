// Command undocked pulls and pushes container images between registries and
// portable tar archives, without a Docker daemon.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/klauspost/compress/gzip"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/undocked/undocked/cache/disk"
	"github.com/undocked/undocked/credentials"
	"github.com/undocked/undocked/registry"
)

var (
	flagLogLevel    string
	flagLogFormat   string
	flagCacheDir    string
	flagConcurrency int
	flagUsername    string
	flagPassword    string
)

var rootCmd = &cobra.Command{
	Use:           "undocked",
	Short:         "Daemonless container image transfer",
	Long:          "undocked pulls images from Docker-compatible registries into portable tar archives and pushes them back, with no container runtime required.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "", "blob cache directory (default ~/.undocked/blobs)")
	rootCmd.PersistentFlags().IntVar(&flagConcurrency, "concurrency", 3, "concurrent layer transfers")

	for _, cmd := range []*cobra.Command{pullCmd, pushCmd, authCmd} {
		cmd.Flags().StringVarP(&flagUsername, "username", "u", "", "registry username")
		cmd.Flags().StringVarP(&flagPassword, "password", "p", "", "registry password")
	}

	pullCmd.Flags().StringVar(&flagPlatform, "platform", "", "platform to select from a multi-architecture image (e.g. linux/arm64)")
	pullCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output archive path, - for stdout (default <image>_<tag>.tar)")
	pullCmd.Flags().BoolVarP(&flagGzip, "gzip", "z", false, "gzip-compress the output archive")
	pushCmd.Flags().StringVarP(&flagInput, "input", "i", "", "input archive path, - for stdin (required)")
	pushCmd.Flags().BoolVar(&flagForce, "force", false, "upload blobs even when the registry already has them")
	_ = pushCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(pullCmd, pushCmd, authCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", flagLogLevel)
	}

	switch flagLogFormat {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", flagLogFormat)
	}
}

func newClient(logger *slog.Logger) (*registry.Client, error) {
	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithConcurrency(flagConcurrency),
	}

	if flagCacheDir != "" {
		bc, err := disk.New(flagCacheDir)
		if err != nil {
			return nil, fmt.Errorf("open blob cache: %w", err)
		}
		opts = append(opts, registry.WithBlobCache(bc))
	}

	if store, err := credentials.NewDockerStore(); err == nil {
		opts = append(opts, registry.WithCredentialStore(store))
	} else {
		logger.Debug("docker credential store unavailable", "error", err)
	}

	return registry.New(opts...)
}

// credential builds the explicit credential from flags, prompting for the
// password when only a username was given.
func credential() (credentials.Credential, error) {
	if flagUsername == "" {
		return credentials.Credential{}, nil
	}
	password := flagPassword
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", flagUsername)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return credentials.Credential{}, err
		}
		password = string(raw)
	}
	return credentials.Credential{Username: flagUsername, Password: password}, nil
}

var (
	flagPlatform string
	flagOutput   string
	flagGzip     bool
)

var pullCmd = &cobra.Command{
	Use:   "pull IMAGE",
	Short: "Pull an image into a tar archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		c, err := newClient(logger)
		if err != nil {
			return err
		}
		cred, err := credential()
		if err != nil {
			return err
		}

		var dst io.Writer
		output := flagOutput
		if output == "-" {
			dst = os.Stdout
		} else {
			if output == "" {
				output = defaultArchiveName(args[0])
				if flagGzip {
					output += ".gz"
				}
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			dst = f
		}

		var gz *gzip.Writer
		if flagGzip {
			gz = gzip.NewWriter(dst)
			dst = gz
		}

		pullOpts := []registry.PullOption{registry.WithPullCredential(cred)}
		if flagPlatform != "" {
			pullOpts = append(pullOpts, registry.WithPlatform(flagPlatform))
		}
		if err := c.Pull(cmd.Context(), args[0], dst, pullOpts...); err != nil {
			if output != "-" {
				os.Remove(output)
			}
			return err
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return err
			}
		}
		if output != "-" {
			logger.Info("archive written", "path", output)
		}
		return nil
	},
}

// maybeGunzip sniffs the gzip magic bytes and transparently decompresses
// archives written with pull --gzip.
func maybeGunzip(src io.Reader) (io.Reader, error) {
	br := bufio.NewReader(src)
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	return gzip.NewReader(br)
}

// defaultArchiveName derives an archive filename from an image reference:
// registry.example.com/ns/app:v1 becomes app_v1.tar.
func defaultArchiveName(ref string) string {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return "image.tar"
	}
	name := parsed.Repository
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Base(name + "_" + parsed.Tag + ".tar")
}

var (
	flagInput string
	flagForce bool
)

var pushCmd = &cobra.Command{
	Use:   "push IMAGE",
	Short: "Push a tar archive to a registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		c, err := newClient(logger)
		if err != nil {
			return err
		}
		cred, err := credential()
		if err != nil {
			return err
		}

		var src io.Reader
		if flagInput == "-" {
			src = os.Stdin
		} else {
			f, err := os.Open(flagInput)
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		src, err = maybeGunzip(src)
		if err != nil {
			return err
		}

		pushOpts := []registry.PushOption{registry.WithPushCredential(cred)}
		if flagForce {
			pushOpts = append(pushOpts, registry.WithForce())
		}
		dgst, err := c.Push(cmd.Context(), args[0], src, pushOpts...)
		if err != nil {
			return err
		}
		fmt.Println(dgst)
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth IMAGE",
	Short: "Verify registry credentials and store them on success",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		c, err := newClient(logger)
		if err != nil {
			return err
		}
		cred, err := credential()
		if err != nil {
			return err
		}

		if _, err := c.Auth(cmd.Context(), args[0], cred); err != nil {
			if errors.Is(err, registry.ErrAuthentication) {
				return fmt.Errorf("authentication failed: %w", err)
			}
			return err
		}
		fmt.Fprintln(os.Stderr, "authentication succeeded")

		if cred.Username == "" {
			return nil
		}
		store, err := credentials.NewDockerStore()
		if err != nil {
			logger.Warn("credentials not saved", "error", err)
			return nil
		}
		parsed, err := registry.ParseReference(args[0])
		if err != nil {
			return err
		}
		if err := store.Save(cmd.Context(), parsed.Registry, cred.Username, cred.Password); err != nil {
			logger.Warn("credentials not saved", "error", err)
		}
		return nil
	},
}
