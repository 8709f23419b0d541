package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/conditions-db/internal/codec"
	"github.com/gftdcojp/conditions-db/pkg/cdb"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// ctl carries the opened database and the command output.
type ctl struct {
	db  *cdb.DB
	out io.Writer
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cdb-ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	configPath := fs.String("config", "", "path to configuration file (default: discovered)")
	adapters := fs.String("adapters", "", "adapter order override, e.g. \"memory+db\"")
	flavors := fs.String("flavors", "", "comma separated flavor list, highest priority first")
	verbose := fs.Bool("v", false, "log to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 1
	}
	if rest[0] == "version" {
		fmt.Fprintf(stdout, "cdb-ctl %s\n", version)
		return 0
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}

	db, err := cdb.Open(ctx, cdb.Options{ConfigPath: *configPath, Adapters: *adapters, Logger: logger})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer db.Close()
	if *flavors != "" {
		if err := db.SetFlavors(strings.Split(*flavors, ",")); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}

	c := &ctl{db: db, out: stdout}
	if err := c.dispatch(ctx, rest[0], rest[1:]); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (c *ctl) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "tags":
		return c.tags(ctx, args)
	case "mktag":
		return c.mkTag(ctx, args)
	case "rmtag":
		return c.rmTag(ctx, args)
	case "get":
		return c.get(ctx, args)
	case "put":
		return c.put(ctx, args)
	case "deactivate":
		return c.deactivate(ctx, args)
	case "schema":
		return c.schema(ctx, args)
	case "export":
		return c.export(ctx, args)
	case "import":
		return c.importDoc(ctx, args)
	case "tables":
		return c.tables(ctx, args)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `cdb-ctl - conditions database operator CLI

Usage:
  cdb-ctl [flags] <command> [args]

Commands:
  tags [-structs=false]                    List the tag hierarchy
  mktag [-mode time|run|folder] <path>     Create a tag
  rmtag <path>                             Deactivate a tag
  get [-time t|-run r -seq s] [-decode] [-o file] <path>
                                           Fetch the payload that applies
  put [-bt t -et t|-run r -seq s] [-format f] (-data file|-json file|-uri uri) <path>
                                           Store a new payload
  deactivate [-time t|-run r -seq s] <path>
                                           Deactivate the payload that applies
  schema get|set|drop <path> [file]        Manage a struct schema
  export [-tags] [-schemas] [-o file]      Export tags and schemas as JSON
  import <file|->                          Import an export document
  tables create|list|drop                  Manage database tables
  version                                  Show version

Flags:
  -config string     configuration file (default: discovered)
  -adapters string   adapter order override
  -flavors string    comma separated flavors
  -v                 log to stderr`)
}

// coordinate holds the lookup flags shared by get and deactivate.
type coordinate struct {
	time, run, seq int64
}

func (c *coordinate) register(fs *flag.FlagSet) {
	fs.Int64Var(&c.time, "time", 0, "event time (unix seconds)")
	fs.Int64Var(&c.run, "run", 0, "run number")
	fs.Int64Var(&c.seq, "seq", 0, "sequence number")
}

func (c *coordinate) apply(db *cdb.DB) {
	if c.time != 0 {
		db.SetEventTime(c.time)
	}
	if c.run != 0 || c.seq != 0 {
		db.SetRun(c.run)
		db.SetSeq(c.seq)
	}
}

func parse(fs *flag.FlagSet, args []string, want int) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() < want {
		return nil, fmt.Errorf("%s: expected %d argument(s)", fs.Name(), want)
	}
	return fs.Args(), nil
}

func (c *ctl) tags(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tags", flag.ContinueOnError)
	structs := fs.Bool("structs", true, "include struct tags")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	tags, err := c.db.ListTags(ctx, !*structs)
	if err != nil {
		return err
	}
	for _, t := range tags {
		fmt.Fprintln(c.out, t)
	}
	return nil
}

func (c *ctl) mkTag(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mktag", flag.ContinueOnError)
	mode := fs.String("mode", "folder", "folder, time or run")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	m, err := parseMode(*mode)
	if err != nil {
		return err
	}
	id, err := c.db.CreateTag(ctx, rest[0], m)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, id)
	return nil
}

func parseMode(s string) (cdb.Mode, error) {
	switch s {
	case "folder":
		return cdb.ModeFolder, nil
	case "time":
		return cdb.ModeTime, nil
	case "run":
		return cdb.ModeRun, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (c *ctl) rmTag(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rmtag", flag.ContinueOnError)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	return c.db.DeactivateTag(ctx, rest[0], time.Now().Unix())
}

func (c *ctl) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	var co coordinate
	co.register(fs)
	out := fs.String("o", "", "write data to file instead of printing metadata")
	decode := fs.Bool("decode", false, "print json/cbor/msgpack data as JSON")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	co.apply(c.db)

	p, err := c.db.GetPayload(ctx, rest[0], *out != "" || *decode)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, p.Data, 0644)
	}
	if *decode {
		v, err := codec.Decode(p.Data, p.Format)
		if err != nil {
			return err
		}
		return c.printJSON(v)
	}
	return c.printJSON(map[string]any{
		"id":          p.ID,
		"flavor":      p.Flavor,
		"path":        p.Path(),
		"uri":         p.URI,
		"format":      p.Format,
		"create_time": p.CreateTime,
		"begin_time":  p.BeginTime,
		"end_time":    p.EndTime,
		"run":         p.Run,
		"seq":         p.Seq,
	})
}

func (c *ctl) put(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	bt := fs.Int64("bt", 0, "begin time")
	et := fs.Int64("et", 0, "end time (0: open)")
	run := fs.Int64("run", 0, "run number")
	seq := fs.Int64("seq", 0, "sequence number")
	format := fs.String("format", "", "data format (default: from file extension, json for -json)")
	dataFile := fs.String("data", "", "file holding the payload data as is")
	jsonFile := fs.String("json", "", "JSON document to store in -format (json, cbor or msgpack)")
	uri := fs.String("uri", "", "external data location")
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	sources := 0
	for _, s := range []string{*dataFile, *jsonFile, *uri} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("put: exactly one of -data, -json and -uri is required")
	}

	p, err := c.db.PrepareUpload(ctx, rest[0])
	if err != nil {
		return err
	}
	if *run != 0 || *seq != 0 {
		p.SetRun(*run)
		p.SetSeq(*seq)
	} else {
		p.SetBeginTime(*bt)
		p.SetEndTime(*et)
	}

	switch {
	case *uri != "":
		p.SetURI(*uri)
	case *jsonFile != "":
		raw, err := os.ReadFile(*jsonFile)
		if err != nil {
			return err
		}
		v, err := codec.Decode(raw, cdb.FormatJSON)
		if err != nil {
			return err
		}
		f := cdb.Format(*format)
		if f == "" {
			f = cdb.FormatJSON
		}
		if err := codec.SetValue(p, v, f); err != nil {
			return err
		}
	default:
		data, err := os.ReadFile(*dataFile)
		if err != nil {
			return err
		}
		f := *format
		if f == "" {
			if i := strings.LastIndexByte(*dataFile, '.'); i >= 0 {
				f = (*dataFile)[i+1:]
			}
		}
		p.SetData(data, cdb.Format(f))
	}

	id, err := c.db.SetPayload(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, id)
	return nil
}

func (c *ctl) deactivate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	var co coordinate
	co.register(fs)
	rest, err := parse(fs, args, 1)
	if err != nil {
		return err
	}
	co.apply(c.db)
	p, err := c.db.GetPayload(ctx, rest[0], false)
	if err != nil {
		return err
	}
	if err := c.db.DeactivatePayload(ctx, p, time.Now().Unix()); err != nil {
		return err
	}
	fmt.Fprintln(c.out, p.ID)
	return nil
}

func (c *ctl) schema(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: cdb-ctl schema get|set|drop <path> [file]")
	}
	path := args[1]
	switch args[0] {
	case "get":
		doc, err := c.db.GetTagSchema(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, doc)
		return nil
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: cdb-ctl schema set <path> <file>")
		}
		doc, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return c.db.SetTagSchema(ctx, path, string(doc))
	case "drop":
		return c.db.DropTagSchema(ctx, path)
	}
	return fmt.Errorf("unknown schema command: %s", args[0])
}

func (c *ctl) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	tags := fs.Bool("tags", true, "export tags")
	schemas := fs.Bool("schemas", true, "export schemas")
	out := fs.String("o", "", "output file (default: stdout)")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}
	doc, err := c.db.ExportTagsSchemas(ctx, *tags, *schemas)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, doc, 0644)
	}
	_, err = c.out.Write(append(doc, '\n'))
	return err
}

func (c *ctl) importDoc(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cdb-ctl import <file|->")
	}
	var doc []byte
	var err error
	if args[0] == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}
	return c.db.ImportTagsSchemas(ctx, doc)
}

func (c *ctl) tables(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cdb-ctl tables create|list|drop")
	}
	switch args[0] {
	case "create":
		return c.db.CreateDatabaseTables(ctx)
	case "drop":
		return c.db.DropDatabaseTables(ctx)
	case "list":
		tables, err := c.db.ListDatabaseTables(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTABLE")
		for i, t := range tables {
			fmt.Fprintf(w, "%d\t%s\n", i+1, t)
		}
		return w.Flush()
	}
	return fmt.Errorf("unknown tables command: %s", args[0])
}

func (c *ctl) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
