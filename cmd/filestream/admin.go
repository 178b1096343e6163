package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/SpringsFern/TG-FileStream/internal/app"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

var linkGroup bool

var linkCmd = &cobra.Command{
	Use:   "link <user-id> <file-id>",
	Short: "Print the signed download link of a file (or a group with --group)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store storage.Store) error {
			signer, err := app.NewSigner(ctx, store)
			if err != nil {
				return err
			}
			token, err := signer.Make(ids[0], ids[1])
			if err != nil {
				return err
			}
			route := "/dl/"
			if linkGroup {
				route = "/group/"
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.PublicURL+route+token)
			return nil
		})
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the link signing secret",
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the link secret; every link issued so far stops working",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store storage.Store) error {
			if _, err := store.Secret(ctx, true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "link secret rotated")
			return nil
		})
	},
}

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Manage registered files",
}

var fileAdd struct {
	user      int64
	chat      int64
	message   int
	dc        int
	size      int64
	mime      string
	name      string
	thumbSize string
}

var fileAddCmd = &cobra.Command{
	Use:   "add <file-id>",
	Short: "Register a file for a user from the message it was sent in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if fileAdd.user == 0 || fileAdd.message == 0 || fileAdd.dc == 0 || fileAdd.size <= 0 {
			return fmt.Errorf("--user, --message, --dc and --size are required")
		}
		return withStore(func(ctx context.Context, store storage.Store) error {
			file := storage.FileInfo{
				ID:        id,
				DCID:      fileAdd.dc,
				Size:      fileAdd.size,
				MimeType:  fileAdd.mime,
				Name:      fileAdd.name,
				ThumbSize: fileAdd.thumbSize,
			}
			src := storage.FileSource{ChatID: fileAdd.chat, MessageID: fileAdd.message}
			if err := store.AddFile(ctx, fileAdd.user, file, src); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "file %d registered for user %d\n", id, fileAdd.user)
			return nil
		})
	},
}

var fileRestrictCmd = &cobra.Command{
	Use:   "restrict <file-id> <true|false>",
	Short: "Hide a file from download, or make it available again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		restricted, err := strconv.ParseBool(args[1])
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store storage.Store) error {
			return store.SetFileRestricted(ctx, id, restricted)
		})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage file groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <user-id> <name>",
	Short: "Create an empty group and print its id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store storage.Store) error {
			id, err := store.CreateGroup(ctx, userID, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <user-id> <group-id> <file-id>...",
	Short: "Append files to a group",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store storage.Store) error {
			for _, fileID := range ids[2:] {
				if err := store.AddFileToGroup(ctx, ids[1], ids[0], fileID); err != nil {
					return fmt.Errorf("add file %d: %w", fileID, err)
				}
			}
			return nil
		})
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userBanCmd = &cobra.Command{
	Use:   "ban <user-id>",
	Short: "Ban a user from downloading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBan(args[0], true)
	},
}

var userUnbanCmd = &cobra.Command{
	Use:   "unban <user-id>",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBan(args[0], false)
	},
}

func setBan(arg string, ban bool) error {
	userID, err := parseID(arg)
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, store storage.Store) error {
		user, err := store.GetUser(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			user = &storage.User{ID: userID, JoinDate: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		user.BanDate = nil
		if ban {
			now := time.Now().UTC()
			user.BanDate = &now
		}
		return store.UpsertUser(ctx, *user)
	})
}

func init() {
	linkCmd.Flags().BoolVar(&linkGroup, "group", false, "the id is a group id")

	secretCmd.AddCommand(secretRotateCmd)

	f := fileAddCmd.Flags()
	f.Int64Var(&fileAdd.user, "user", 0, "user the file is registered for")
	f.Int64Var(&fileAdd.chat, "chat", 0, "chat holding the source message (default: the user's chat)")
	f.IntVar(&fileAdd.message, "message", 0, "source message id")
	f.IntVar(&fileAdd.dc, "dc", 0, "data center storing the file")
	f.Int64Var(&fileAdd.size, "size", 0, "file size in bytes")
	f.StringVar(&fileAdd.mime, "mime", "application/octet-stream", "MIME type")
	f.StringVar(&fileAdd.name, "name", "", "file name")
	f.StringVar(&fileAdd.thumbSize, "thumb-size", "", "thumbnail size type, for photos")
	fileCmd.AddCommand(fileAddCmd, fileRestrictCmd)

	groupCmd.AddCommand(groupCreateCmd, groupAddCmd)

	userCmd.AddCommand(userBanCmd, userUnbanCmd)
}
