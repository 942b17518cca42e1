package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zhaobenny/ccpulse/server/internal/auth"
	"github.com/zhaobenny/ccpulse/server/internal/database"
)

func newDeviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage reporting devices and their API keys",
	}
	cmd.AddCommand(newDeviceAddCmd(a), newDeviceListCmd(a))
	return cmd
}

func newDeviceAddCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Register a device and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			if name == "" {
				return errors.New("device name must not be blank")
			}

			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			device := &database.Device{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
			if err := db.CreateDevice(cmd.Context(), device, auth.HashAPIKey(key)); err != nil {
				if errors.Is(err, database.ErrDeviceExists) {
					return fmt.Errorf("device %q already exists", name)
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device:  %s\n", device.Name)
			fmt.Fprintf(out, "API key: %s\n", key)
			fmt.Fprintln(out, "The key is shown only once; configure it on the device with `ccpulse config --api-key`.")
			return nil
		},
	}
}

func newDeviceListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			devices, err := db.ListDevices(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREATED\tLAST SEEN")
			for _, d := range devices {
				seen := "never"
				if d.LastSeenAt != nil {
					seen = d.LastSeenAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.CreatedAt.Local().Format(time.DateTime), seen)
			}
			return tw.Flush()
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for " + EnvPasswordHash,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				var err error
				password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// readPassword prompts without echo on a terminal, else reads one line
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		return string(b), err
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
