package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/manchtools/splitplay/broker/internal/apierr"
	"github.com/manchtools/splitplay/broker/internal/rpc"
	"github.com/manchtools/splitplay/broker/internal/userfiles"
)

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apierr.InvalidArgs("invalid uid %q", s)
	}
	return uint32(v), nil
}

func parsePID(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, apierr.InvalidArgs("invalid pid %q", s)
	}
	return v, nil
}

// =============================================================================
// Devices
// =============================================================================

func newDeviceCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage input device ownership"}

	cmd.AddCommand(&cobra.Command{
		Use:   "chown PATH UID",
		Short: "Give a user exclusive ownership of a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[1])
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return true, c.ChangeDeviceOwner(ctx, args[0], uid)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "chown-batch UID PATH...",
		Short: "Give a user exclusive ownership of several devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.ChangeDeviceOwnerBatch(ctx, args[1:], uid)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset PATH",
		Short: "Restore the default ownership of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return true, c.ResetDeviceOwner(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset-all",
		Short: "Restore every device changed by the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.ResetAllDevices(ctx)
			})
		},
	})
	return cmd
}

// =============================================================================
// Users
// =============================================================================

func newUserCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage player accounts"}

	var fullName string
	create := &cobra.Command{
		Use:   "create USERNAME",
		Short: "Create a managed account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.CreateUser(ctx, args[0], fullName)
			})
		},
	}
	create.Flags().StringVar(&fullName, "full-name", "", "Full name of the account")

	var removeHome bool
	del := &cobra.Command{
		Use:   "delete USERNAME",
		Short: "Delete a managed account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return true, c.DeleteUser(ctx, args[0], removeHome)
			})
		},
	}
	del.Flags().BoolVar(&removeHome, "remove-home", false, "Also remove the home directory")

	var disable bool
	linger := &cobra.Command{
		Use:   "linger USERNAME",
		Short: "Enable the persistent session of a managed account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				if disable {
					return true, c.DisableLinger(ctx, args[0])
				}
				return true, c.EnableLinger(ctx, args[0])
			})
		},
	}
	linger.Flags().BoolVar(&disable, "disable", false, "Disable instead of enable")

	cmd.AddCommand(create, del, linger,
		&cobra.Command{
			Use:   "managed USERNAME",
			Short: "Report whether an account is managed",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return c.IsInManagedGroup(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "linger-status USERNAME",
			Short: "Report whether an account has a persistent session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return c.IsLingerEnabled(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Runtime Access
// =============================================================================

func newRuntimeCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "runtime", Short: "Share compositor session sockets"}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "grant COMPOSITOR_UID",
			Short: "Grant the managed group access to the session sockets",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				uid, err := parseUID(args[0])
				if err != nil {
					return err
				}
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return true, c.SetupRuntimeAccess(ctx, uid)
				})
			},
		},
		&cobra.Command{
			Use:   "revoke COMPOSITOR_UID",
			Short: "Revoke access to the session sockets",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				uid, err := parseUID(args[0])
				if err != nil {
					return err
				}
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return true, c.RemoveRuntimeAccess(ctx, uid)
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Instances
// =============================================================================

func newInstanceCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "instance", Short: "Launch and stop game instances"}

	var compositorUID uint32
	var env []string
	launch := &cobra.Command{
		Use:   "launch USERNAME -- COMMAND [ARGS...]",
		Short: "Launch a command as a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.LaunchInstance(ctx, args[0], compositorUID, args[2:], args[1], env)
			})
		},
	}
	launch.Flags().Uint32Var(&compositorUID, "compositor-uid", uint32(os.Getuid()), "Account owning the display and audio sockets")
	launch.Flags().StringArrayVarP(&env, "env", "e", nil, "Extra KEY=VALUE environment entry")

	signal := func(use, short string, fn func(*rpc.Client, context.Context, int) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " PID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := parsePID(args[0])
				if err != nil {
					return err
				}
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return true, fn(c, ctx, pid)
				})
			},
		}
	}

	cmd.AddCommand(launch,
		signal("stop", "Terminate an instance gracefully", (*rpc.Client).StopInstance),
		signal("kill", "Kill an instance", (*rpc.Client).KillInstance),
	)
	return cmd
}

// =============================================================================
// Shared Directories
// =============================================================================

func newMountCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "mount", Short: "Share directories with player accounts"}

	var compositorUID uint32
	add := &cobra.Command{
		Use:   "add USERNAME SOURCE[|ALIAS]...",
		Short: "Bind-mount directories into a user's home",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.MountSharedDirectories(ctx, args[0], compositorUID, args[1:])
			})
		},
	}
	add.Flags().Uint32Var(&compositorUID, "compositor-uid", uint32(os.Getuid()), "Account whose home the sources belong to")

	cmd.AddCommand(add,
		&cobra.Command{
			Use:   "remove USERNAME",
			Short: "Unmount the directories shared with a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return c.UnmountSharedDirectories(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "remove-all",
			Short: "Unmount every shared directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return c.UnmountAllSharedDirectories(ctx)
				})
			},
		},
	)
	return cmd
}

// =============================================================================
// Files
// =============================================================================

func newFileCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{Use: "file", Short: "Place files in player homes"}

	var recursive bool
	acl := &cobra.Command{
		Use:   "acl PATH USERNAME",
		Short: "Grant a user access to one of your directories",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return true, c.SetDirectoryAcl(ctx, args[0], args[1], recursive)
			})
		},
	}
	acl.Flags().BoolVarP(&recursive, "recursive", "R", false, "Apply recursively with a default ACL")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "copy SOURCE DEST USERNAME",
			Short: "Copy one of your files into a user's home",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return true, c.CopyFileToUser(ctx, args[0], args[1], args[2])
				})
			},
		},
		&cobra.Command{
			Use:   "write DEST USERNAME",
			Short: "Write standard input to a file in a user's home",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), userfiles.MaxFileSize+1))
				if err != nil {
					return fmt.Errorf("read standard input: %w", err)
				}
				if len(data) > userfiles.MaxFileSize {
					return apierr.InvalidArgs("input exceeds %d bytes", userfiles.MaxFileSize)
				}
				return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
					return true, c.WriteFileToUser(ctx, data, args[0], args[1])
				})
			},
		},
		acl,
	)
	return cmd
}

func newSteamIDCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "steam-id USERNAME",
		Short: "Print the SteamID64 last used by a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.GetUserSteamID(ctx, args[0])
			})
		},
	}
}

func newVersionCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client and broker versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("splitplayctl %s\n", version)
			return g.call(cmd, func(ctx context.Context, c *rpc.Client) (any, error) {
				return c.Version(ctx)
			})
		},
	}
}
