// Capsule CLI - inspect programs and snapshots, and drive suspended
// executions from the command line.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/capsule/host"
	"github.com/chazu/capsule/manifest"
	"github.com/chazu/capsule/vm"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "inspect":
		err = cmdInspect(args[1:])
	case "disasm":
		err = cmdDisasm(args[1:])
	case "resume":
		err = cmdResume(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: capsule <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  inspect -snapshot FILE [-program FILE]  Describe a snapshot\n")
	fmt.Fprintf(os.Stderr, "  disasm -program FILE                   Disassemble a program\n")
	fmt.Fprintf(os.Stderr, "  resume -snapshot FILE -program FILE [-value JSON] [-out FILE]\n")
	fmt.Fprintf(os.Stderr, "                                         Answer a pending host call\n")
}

func loadProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return vm.DecodeProgram(data)
}

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "Snapshot file")
	progPath := fs.String("program", "", "Program file")
	fs.Parse(args)
	if *snapPath == "" {
		return fmt.Errorf("inspect needs -snapshot")
	}

	data, err := os.ReadFile(*snapPath)
	if err != nil {
		return err
	}

	// Header is readable without the program: 4-byte magic, then a
	// little-endian format version.
	if len(data) < 8 {
		return fmt.Errorf("%s: truncated snapshot", *snapPath)
	}
	fmt.Printf("magic:       %q\n", data[:4])
	fmt.Printf("version:     %d\n", binary.LittleEndian.Uint32(data[4:8]))
	fmt.Printf("size:        %d bytes\n", len(data))
	if *progPath == "" {
		return nil
	}

	prog, err := loadProgram(*progPath)
	if err != nil {
		return err
	}
	x, err := vm.Load(prog, data)
	if err != nil {
		return err
	}

	fp := prog.Fingerprint()
	fmt.Printf("program:     %s (%d functions)\n", hex.EncodeToString(fp[:8]), len(prog.Functions))
	fmt.Printf("state:       %s\n", x.State())
	fmt.Printf("live objects: %d\n", x.Heap().LiveCount())
	if call := x.Pending(); call != nil {
		fmt.Printf("pending call: %s (%d args, %d kwargs)\n", call.Name, len(call.Args), len(call.Kwargs))
		for i, arg := range call.Args {
			if goVal, err := host.ToGo(x.Heap(), arg); err == nil {
				fmt.Printf("  arg %d: %v\n", i, goVal)
			} else {
				fmt.Printf("  arg %d: <%v>\n", i, err)
			}
		}
	}
	return nil
}

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	progPath := fs.String("program", "", "Program file")
	fs.Parse(args)
	if *progPath == "" {
		return fmt.Errorf("disasm needs -program")
	}

	prog, err := loadProgram(*progPath)
	if err != nil {
		return err
	}
	for i, fn := range prog.Functions {
		fmt.Printf("function %d: %s (%d params, %d locals)\n", i, fn.Name, fn.NumParams, fn.NumLocals)
		fmt.Print(vm.Disassemble(fn.Code))
		fmt.Println()
	}
	return nil
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	snapPath := fs.String("snapshot", "", "Snapshot file")
	progPath := fs.String("program", "", "Program file")
	value := fs.String("value", "null", "JSON answer for the pending host call")
	out := fs.String("out", "", "Write the next snapshot here if the program suspends again")
	fs.Parse(args)
	if *snapPath == "" || *progPath == "" {
		return fmt.Errorf("resume needs -snapshot and -program")
	}

	prog, err := loadProgram(*progPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(*snapPath)
	if err != nil {
		return err
	}

	// Limits and the host-call allowlist follow the nearest capsule.toml,
	// if any.
	var opts []vm.Option
	m, merr := manifest.FindAndLoad(".")
	if merr == nil && m != nil {
		opts = m.Options()
	}

	x, err := vm.Load(prog, data, opts...)
	if err != nil {
		return err
	}
	if call := x.Pending(); call != nil && m != nil && !m.Allows(call.Name) {
		return fmt.Errorf("host function %q is not allowed by capsule.toml", call.Name)
	}

	var goVal any
	if err := json.Unmarshal([]byte(*value), &goVal); err != nil {
		return fmt.Errorf("bad -value: %w", err)
	}
	goVal = normalizeJSON(goVal)
	answer, err := host.FromGo(x.Heap(), goVal)
	if err != nil {
		return err
	}
	res, err := x.Resume(answer)
	if err != nil {
		return err
	}

	switch res.State {
	case vm.Completed:
		result, err := host.ToGo(x.Heap(), res.Value)
		if err != nil {
			return err
		}
		fmt.Printf("completed: %v\n", result)
	case vm.Suspended:
		fmt.Printf("suspended: %s (%d args)\n", res.Call.Name, len(res.Call.Args))
		if *out != "" {
			next, err := x.Dump()
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, next, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", *out, len(next))
		}
	case vm.Failed:
		return res.Err
	}
	return nil
}

// normalizeJSON turns integral JSON numbers back into int64 so the guest
// sees ints where the embedder wrote ints.
func normalizeJSON(v any) any {
	switch g := v.(type) {
	case float64:
		if g == float64(int64(g)) {
			return int64(g)
		}
	case []any:
		for i, e := range g {
			g[i] = normalizeJSON(e)
		}
	case map[string]any:
		for k, e := range g {
			g[k] = normalizeJSON(e)
		}
	}
	return v
}
