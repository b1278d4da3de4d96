// cryptmountctl is the operator CLI for the cryptmountd control API. It
// signs every request with the operator's Ed25519 key; the server side
// decides whether the key is trusted.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/cryptmountd/cryptmountd/auth"
	"github.com/cryptmountd/cryptmountd/client"
)

var flagServer = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the cryptmountd server",
}

var flagKey = &cli.StringFlag{
	Name:  "key",
	Value: defaultKeyPath(),
	Usage: "path of the operator's Ed25519 private key (PEM)",
}

var flagPasswordFile = &cli.StringFlag{
	Name:  "password-file",
	Usage: "read the volume password from this file instead of prompting",
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cryptmountctl.pem"
	}
	return home + "/.config/cryptmountd/client.pem"
}

func main() {
	app := &cli.App{
		Name:  "cryptmountctl",
		Usage: "Operate a cryptmountd server",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Generate a client signing key and print its public half",
				Flags:  []cli.Flag{flagKey},
				Action: runKeygen,
			},
			{
				Name:   "health",
				Usage:  "Check server health",
				Flags:  []cli.Flag{flagServer, flagKey},
				Action: withClient(runHealth),
			},
			{
				Name:   "list",
				Usage:  "List volumes and their mount state",
				Flags:  []cli.Flag{flagServer, flagKey},
				Action: withClient(runList),
			},
			{
				Name:      "mount",
				Usage:     "Unlock and mount a volume",
				ArgsUsage: "<volume>",
				Flags:     []cli.Flag{flagServer, flagKey, flagPasswordFile},
				Action:    withClient(runMount),
			},
			{
				Name:      "unmount",
				Usage:     "Unmount a volume",
				ArgsUsage: "<volume>",
				Flags:     []cli.Flag{flagServer, flagKey},
				Action:    withClient(runUnmount),
			},
			{
				Name:   "audit",
				Usage:  "Show the server's recent audit events",
				Flags:  []cli.Flag{flagServer, flagKey},
				Action: withClient(runAudit),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runKeygen(cCtx *cli.Context) error {
	path := cCtx.String(flagKey.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing key at %s", path)
	}

	pub, priv, err := auth.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := auth.SavePrivateKey(path, priv); err != nil {
		return err
	}

	fmt.Printf("private key written to %s\n", path)
	fmt.Printf("public key (add to the server's trusted keys): %s\n", pub.String())
	return nil
}

// withClient loads the signing key and hands a ready client to the action.
func withClient(action func(*cli.Context, *client.Client) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		priv, err := auth.LoadPrivateKey(cCtx.String(flagKey.Name))
		if err != nil {
			return err
		}
		return action(cCtx, client.New(cCtx.String(flagServer.Name), priv))
	}
}

func runHealth(cCtx *cli.Context, c *client.Client) error {
	if err := c.Health(cCtx.Context); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runList(cCtx *cli.Context, c *client.Client) error {
	states, err := c.List(cCtx.Context)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%s\n", name, states[name])
	}
	return nil
}

func runMount(cCtx *cli.Context, c *client.Client) error {
	volume := cCtx.Args().First()
	if volume == "" {
		return fmt.Errorf("usage: cryptmountctl mount <volume>")
	}

	password, err := readPassword(cCtx)
	if err != nil {
		return err
	}

	if err := c.Mount(cCtx.Context, volume, password); err != nil {
		return err
	}
	fmt.Printf("secret delivered for %s; check 'list' for the mount result\n", volume)
	return nil
}

func runUnmount(cCtx *cli.Context, c *client.Client) error {
	volume := cCtx.Args().First()
	if volume == "" {
		return fmt.Errorf("usage: cryptmountctl unmount <volume>")
	}

	if err := c.Unmount(cCtx.Context, volume); err != nil {
		return err
	}
	fmt.Printf("unmount dispatched for %s\n", volume)
	return nil
}

func runAudit(cCtx *cli.Context, c *client.Client) error {
	events, err := c.Audit(cCtx.Context)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

func readPassword(cCtx *cli.Context) (string, error) {
	if file := cCtx.String(flagPasswordFile.Name); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("could not read password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Volume password: ")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
