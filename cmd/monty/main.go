package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	monty "github.com/scostello/monty"
)

// stdWriter routes guest output to the process streams.
type stdWriter struct{}

func (stdWriter) Write(stream monty.StreamKind, text string) {
	if stream == monty.StreamStderr {
		fmt.Fprint(os.Stderr, text)
		return
	}
	fmt.Fprint(os.Stdout, text)
}

func main() {
	var (
		interactive = flag.Bool("i", false, "Start an interactive session")
		disassemble = flag.Bool("dis", false, "Print the compiled bytecode instead of running")
	)
	flag.Parse()

	if *interactive {
		os.Exit(runRepl())
	}

	path := flag.Arg(0)
	if path == "" {
		fmt.Fprintln(os.Stderr, "usage: monty [-i] [-dis] file.py")
		os.Exit(1)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't read source file: %s\n", err.Error())
		os.Exit(1)
	}

	if *disassemble {
		listing, exc := monty.DisassembleSource(string(source), path)
		if exc != nil {
			fmt.Fprint(os.Stderr, exc.Traceback())
			os.Exit(1)
		}
		fmt.Print(listing)
		os.Exit(0)
	}

	runner, exc := monty.NewRun(string(source), path, nil, nil)
	if exc != nil {
		fmt.Fprint(os.Stderr, exc.Traceback())
		os.Exit(1)
	}
	result, exc := runner.Run(nil, nil, stdWriter{})
	if exc != nil {
		fmt.Fprint(os.Stderr, exc.Traceback())
		os.Exit(1)
	}
	if !result.IsNone() {
		fmt.Println(result.Repr())
	}
	os.Exit(0)
}

func runRepl() int {
	repl, _, exc := monty.NewRepl("", "<stdin>", nil, nil, nil, nil, stdWriter{})
	if exc != nil {
		fmt.Fprint(os.Stderr, exc.Traceback())
		return 1
	}
	scanner := bufio.NewScanner(os.Stdin)
	var buffer strings.Builder
	prompt := ">>> "
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			fmt.Println()
			return 0
		}
		line := scanner.Text()
		buffer.WriteString(line)
		buffer.WriteString("\n")

		switch monty.DetectContinuation(buffer.String()) {
		case monty.ReplIncompleteImplicit:
			prompt = "... "
			continue
		case monty.ReplIncompleteBlock:
			if line != "" {
				prompt = "... "
				continue
			}
		}

		source := buffer.String()
		buffer.Reset()
		prompt = ">>> "
		if strings.TrimSpace(source) == "" {
			continue
		}
		value, exc := repl.Feed(source, stdWriter{})
		if exc != nil {
			fmt.Fprint(os.Stderr, exc.Traceback())
			continue
		}
		if !value.IsNone() {
			fmt.Println(value.Repr())
		}
	}
}
