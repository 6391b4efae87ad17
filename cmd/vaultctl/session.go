package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucidvault/vaultcore/internal/manifest"
)

var sessionLogin string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Unlock a vault and start an interactive session",
	Long: `Unlock drops into an interactive REPL over the decrypted manifest; the
keystore only exists for the lifetime of this process, so (unlike a
password manager that persists a wrapped key between invocations)
vaultctl only ever offers one long-running session command rather than
separate add/list/sync subcommands a shell script could chain.`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.Flags().StringVarP(&sessionLogin, "login", "l", "", "account login")
	sessionCmd.MarkFlagRequired("login")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	password, err := promptPassword("Master password: ")
	if err != nil {
		return fmt.Errorf("read master password: %w", err)
	}
	defer zeroBytes(password)

	if err := client.Unlock(ctx, sessionLogin, string(password)); err != nil {
		return userError{msg: "unlock failed: " + err.Error()}
	}
	zeroBytes(password)

	if err := client.LoadManifest(ctx); err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	fmt.Println("session unlocked; type 'help' for commands")
	return sessionLoop(ctx)
}

func sessionLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("vault> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Println()
			return endSession(ctx)
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmdName := fields[0]
		cmdArgs := fields[1:]

		var cmdErr error
		switch cmdName {
		case "help":
			printSessionHelp()
		case "add":
			cmdErr = sessionAdd(cmdArgs)
		case "edit":
			cmdErr = sessionEdit(cmdArgs)
		case "rm":
			cmdErr = sessionRemove(cmdArgs)
		case "list":
			cmdErr = sessionList(cmdArgs)
		case "status":
			cmdErr = sessionStatus()
		case "sync":
			cmdErr = client.FlushPendingSave(ctx)
		case "logout", "exit", "quit":
			return endSession(ctx)
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
			continue
		}

		if cmdErr != nil {
			handleSessionError(cmdErr)
		}
	}
}

// endSession flushes any pending save before the logout wipes it.
func endSession(ctx context.Context) error {
	if err := client.FlushPendingSave(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not flush pending save: %v\n", err)
	}
	return client.Logout(ctx)
}

func sessionAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var url, title, notes, tags string
	fs.StringVar(&url, "url", "", "bookmark URL")
	fs.StringVar(&title, "title", "", "bookmark title")
	fs.StringVar(&notes, "notes", "", "bookmark notes")
	fs.StringVar(&tags, "tags", "", "comma-separated tag names")

	if err := fs.Parse(args); err != nil {
		return userError{msg: "invalid add arguments"}
	}
	if url == "" || title == "" {
		return userError{msg: "add requires --url and --title"}
	}
	if fs.NArg() != 0 {
		return userError{msg: "unexpected positional arguments"}
	}

	// Resolve tag names to ids against the current snapshot, creating any
	// that don't exist yet. Bookmarks reference tags by id, never by name.
	snap := client.Manifest().Snapshot()
	tagIDs := manifest.TagIDSet(snap.Manifest)
	existingNames := manifest.ExistingTagNames(snap.Manifest, "")

	var newTags []manifest.Tag
	var refs []string
	if tags != "" {
		for _, raw := range strings.Split(tags, ",") {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			id := findTagID(snap.Manifest.Tags, newTags, name)
			if id == "" {
				if err := manifest.ValidateTagName(name, existingNames); err != nil {
					return err
				}
				id = manifest.NewID()
				newTags = append(newTags, manifest.Tag{ID: id, Name: name})
				existingNames[strings.ToLower(name)] = struct{}{}
			}
			refs = append(refs, id)
			tagIDs[id] = struct{}{}
		}
	}

	now := time.Now().UnixMilli()
	b := manifest.Bookmark{
		ID: manifest.NewID(), URL: url, Title: title, Notes: notes, Tags: refs,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := manifest.ValidateBookmark(b, tagIDs); err != nil {
		return err
	}

	err := client.Manifest().Apply(func(m manifest.Manifest) manifest.Manifest {
		m.Tags = append(m.Tags, newTags...)
		m.Items = append(m.Items, b)
		return m
	})
	if err != nil {
		return fmt.Errorf("apply add: %w", err)
	}

	fmt.Printf("added %q (%s)\n", title, url)
	return nil
}

// findTagID returns the id of a tag whose name matches case-insensitively,
// searching the seated tags first and then the ones queued for creation.
func findTagID(seated []manifest.Tag, pending []manifest.Tag, name string) string {
	for _, t := range seated {
		if strings.EqualFold(t.Name, name) {
			return t.ID
		}
	}
	for _, t := range pending {
		if strings.EqualFold(t.Name, name) {
			return t.ID
		}
	}
	return ""
}

func sessionEdit(args []string) error {
	if len(args) == 0 {
		return userError{msg: "edit requires a bookmark id"}
	}
	id := args[0]

	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var url, title, notes string
	fs.StringVar(&url, "url", "", "new bookmark URL")
	fs.StringVar(&title, "title", "", "new bookmark title")
	fs.StringVar(&notes, "notes", "", "new bookmark notes")

	if err := fs.Parse(args[1:]); err != nil {
		return userError{msg: "invalid edit arguments"}
	}
	if url == "" && title == "" && notes == "" {
		return userError{msg: "edit requires at least one of --url, --title, --notes"}
	}

	snap := client.Manifest().Snapshot()
	var current *manifest.Bookmark
	for i := range snap.Manifest.Items {
		if snap.Manifest.Items[i].ID == id {
			current = &snap.Manifest.Items[i]
			break
		}
	}
	if current == nil {
		return userError{msg: "no bookmark with id " + id}
	}

	updated := *current
	if url != "" {
		updated.URL = url
	}
	if title != "" {
		updated.Title = title
	}
	if notes != "" {
		updated.Notes = notes
	}
	updated.UpdatedAt = manifest.NextUpdatedAt(time.Now().UnixMilli(), current.UpdatedAt)

	if err := manifest.ValidateBookmark(updated, manifest.TagIDSet(snap.Manifest)); err != nil {
		return err
	}

	err := client.Manifest().Apply(func(m manifest.Manifest) manifest.Manifest {
		for i := range m.Items {
			if m.Items[i].ID == id {
				m.Items[i] = updated
				break
			}
		}
		return m
	})
	if err != nil {
		return fmt.Errorf("apply edit: %w", err)
	}

	fmt.Printf("updated %s\n", id)
	return nil
}

func sessionRemove(args []string) error {
	if len(args) != 1 {
		return userError{msg: "rm requires exactly one bookmark id"}
	}
	id := args[0]

	snap := client.Manifest().Snapshot()
	found := false
	for _, b := range snap.Manifest.Items {
		if b.ID == id {
			found = true
			break
		}
	}
	if !found {
		return userError{msg: "no bookmark with id " + id}
	}

	err := client.Manifest().Apply(func(m manifest.Manifest) manifest.Manifest {
		items := m.Items[:0]
		for _, b := range m.Items {
			if b.ID != id {
				items = append(items, b)
			}
		}
		m.Items = items
		return m
	})
	if err != nil {
		return fmt.Errorf("apply rm: %w", err)
	}

	fmt.Printf("removed %s\n", id)
	return nil
}

func sessionList(args []string) error {
	if len(args) != 0 {
		return userError{msg: "list takes no arguments"}
	}
	snap := client.Manifest().Snapshot()
	if len(snap.Manifest.Items) == 0 {
		fmt.Println("no bookmarks")
		return nil
	}
	for _, b := range snap.Manifest.Items {
		fmt.Printf("%s  %-40s  %s\n", b.ID, b.Title, b.URL)
	}
	return nil
}

func sessionStatus() error {
	snap := client.Manifest().Snapshot()
	fmt.Printf("status=%s version=%d items=%d\n", snap.Status, snap.Version, len(snap.Manifest.Items))
	return nil
}

func printSessionHelp() {
	fmt.Println(`commands:
  add --url URL --title TITLE [--notes NOTES] [--tags a,b]   add a bookmark
  edit ID [--url URL] [--title TITLE] [--notes NOTES]        edit a bookmark
  rm ID                                                       remove a bookmark
  list                                                        list bookmarks
  status                                                      show manifest status
  sync                                                        force a save
  logout, exit, quit                                          end the session`)
}

func handleSessionError(err error) {
	if err == nil {
		return
	}
	var uerr userError
	if errors.As(err, &uerr) {
		fmt.Fprintln(os.Stderr, uerr.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}
