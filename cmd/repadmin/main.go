// Command repadmin administers the group metadata of a stopped node and runs one-off operations against a group:
// registering and editing members, showing the group, pinging a member and triggering a network restore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"repcore/internal/config"
	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/node"
	"repcore/internal/restore"
	"repcore/internal/transport"
)

const (
	exitOK = iota
	exitError
	exitUsage
	exitInvalidEdit
	exitRestoreExhausted
)

const usage = `usage: repadmin <command> [flags]

commands:
  show      print the members of a group
  register  add a member to a group
  edit      change a member record
  remove    mark a member as removed
  ping      ask a member about itself
  restore   replace a node's log with a copy from a group member
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "show":
		err = show(args)
	case "register":
		err = register(args)
	case "edit":
		err = edit(args)
	case "remove":
		err = remove(args)
	case "ping":
		err = ping(ctx, args)
	case "restore":
		err = runRestore(ctx, args)
	case "-h", "-help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(exitUsage)
	}
	os.Exit(exitCode(cmd, err))
}

func exitCode(cmd string, err error) int {
	if err == nil {
		return exitOK
	}
	log.Printf("%s: %v", cmd, err)
	switch {
	case errors.Is(err, flag.ErrHelp), errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, group.ErrInvalidEdit), errors.Is(err, group.ErrUnknownMember):
		return exitInvalidEdit
	case errors.Is(err, restore.ErrAllCandidatesExhausted):
		return exitRestoreExhausted
	default:
		return exitError
	}
}

var errUsage = errors.New("invalid usage")

// storeFlags are the flags every metadata command takes.
type storeFlags struct {
	dataDir   string
	groupName string
}

func (s *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.dataDir, "data-dir", "", "Data directory of the node whose metadata is changed")
	fs.StringVar(&s.groupName, "group", "", "Group name")
}

func (s *storeFlags) open() (*group.Store, error) {
	if s.dataDir == "" || s.groupName == "" {
		return nil, fmt.Errorf("%w: -data-dir and -group are required", errUsage)
	}
	return group.OpenStore(filepath.Join(s.dataDir, "group.db"), s.groupName)
}

func show(args []string) error {
	var sf storeFlags
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	sf.register(fs)
	all := fs.Bool("all", false, "Include removed members")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()

	view, err := store.View()
	if err != nil {
		return err
	}
	seq, err := store.NodeIDSequence()
	if err != nil {
		return err
	}

	fmt.Printf("group %s (uuid %s, change version %d, node id sequence %d)\n", view.Name(), view.UUID(),
		view.ChangeVersion(), seq)
	members := view.Members()
	if *all {
		members = view.AllMembers()
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tTYPE\tADDRESS\tPRIORITY\tREMOVED")
	for _, m := range members {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%t\n", m.Name, m.ID, m.Type, m.Address(), m.Priority, m.Removed)
	}
	return w.Flush()
}

func register(args []string) error {
	var sf storeFlags
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	sf.register(fs)
	name := fs.String("name", "", "Member name")
	addr := fs.String("addr", "", "Member host:port")
	nodeType := fs.String("type", group.Electable.String(), "Node type")
	priority := fs.Int("priority", 1, "Election priority, 0 never becomes master")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *addr == "" {
		return fmt.Errorf("%w: -name and -addr are required", errUsage)
	}
	host, port, err := group.ParseAddress(*addr)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	t, err := group.ParseNodeType(*nodeType)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := store.Register(group.Member{Name: *name, Type: t, Host: host, Port: port, Priority: *priority})
	if err != nil {
		return err
	}
	fmt.Printf("registered %s\n", m)
	return nil
}

func edit(args []string) error {
	var sf storeFlags
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	sf.register(fs)
	name := fs.String("name", "", "Member to edit")
	id := fs.Int("id", 0, "New node id")
	newName := fs.String("new-name", "", "New member name")
	nodeType := fs.String("type", "", "New node type")
	addr := fs.String("addr", "", "New host:port")
	removed := fs.Bool("removed", false, "Mark the member removed, or restore it with -removed=false")
	changeVersion := fs.Int64("change-version", 0, "Group change version to record")
	force := fs.Bool("force", false, "Skip the node id sequence and change version checks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("%w: -name is required", errUsage)
	}

	var e group.Edit
	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			v := group.NodeID(*id)
			e.ID = &v
		case "new-name":
			e.Name = newName
		case "type":
			t, err := group.ParseNodeType(*nodeType)
			if err != nil {
				parseErr = err
				return
			}
			e.Type = &t
		case "addr":
			host, port, err := group.ParseAddress(*addr)
			if err != nil {
				parseErr = err
				return
			}
			e.Host, e.Port = &host, &port
		case "removed":
			e.Removed = removed
		case "change-version":
			e.ChangeVersion = changeVersion
		}
	})
	if parseErr != nil {
		return fmt.Errorf("%w: %w", errUsage, parseErr)
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := store.Apply(*name, e, *force)
	if err != nil {
		return err
	}
	fmt.Printf("updated %s\n", m)
	return nil
}

func remove(args []string) error {
	var sf storeFlags
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	sf.register(fs)
	name := fs.String("name", "", "Member to remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("%w: -name is required", errUsage)
	}

	store, err := sf.open()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(*name); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", *name)
	return nil
}

func ping(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	addr := fs.String("addr", "", "Member host:port")
	groupName := fs.String("group", "", "Group name")
	timeout := fs.Duration("timeout", 2*time.Second, "Ping timeout")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	host, port, err := group.ParseAddress(*addr)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	pool := transport.NewPool("repadmin", *groupName, logging.New("ADMIN", "", *debug))
	defer pool.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := pool.Ping(ctx, group.Member{Name: *addr, Host: host, Port: port})
	if err != nil {
		return err
	}
	fmt.Printf("%s: group=%s type=%s master=%t range=%d..%d load=%d\n", resp.Name, resp.GroupName, resp.NodeType,
		resp.IsMaster, resp.RangeStart, resp.RangeEnd, resp.Load)
	return nil
}

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the YAML config of the node to restore")
	maxLag := fs.Uint64("max-lag", 0, "Override restore.max_lag")
	retain := fs.Bool("retain", false, "Keep replaced log files as *.bup backups")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("%w: -config is required", errUsage)
	}

	cfg, err := config.Load(*configPath, func(c *config.NodeConfig) {
		if *maxLag > 0 {
			c.Restore.MaxLag = *maxLag
		}
		if *retain {
			c.Restore.RetainFiles = true
		}
	})
	if err != nil {
		return err
	}

	n, err := node.Open(cfg, node.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	res, err := n.Restore(ctx)
	if err != nil {
		return err
	}
	first, last, err := n.Segments().Range()
	if err != nil {
		return err
	}
	fmt.Printf("restored %d files (%d bytes) from %s in %d rounds, session %s, log now %d..%d\n", res.Files,
		res.BytesCopied, res.Donor.Member.Name, res.Rounds, res.SessionID, first, last)
	return nil
}
