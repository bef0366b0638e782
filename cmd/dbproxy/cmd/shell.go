package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

// shellCmd 表示交互式命令，在同一个数据源上执行多条命令
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start an interactive session",
	Long: `Start an interactive session sharing one data source between commands.
Commands are entered as on the command line, e.g. query "select * from t where id = ?" 1.
Type 'exit' or 'quit' to exit, or press Ctrl+C.`,
	Aliases: []string{"i", "interactive"},
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inShell = true
		defer func() { inShell = false }()
		runInteractiveMode(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

func runInteractiveMode(in io.Reader, out, errOut io.Writer) {
	fmt.Fprintln(out, "dbproxy interactive mode")
	fmt.Fprintln(out, "Type 'help' for available commands or 'exit' to quit")

	// 捕获Ctrl+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(errOut, "Error reading input: %v\n", err)
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var input string
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\nReceived interrupt signal, exiting...")
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return
			}
			input = strings.TrimSpace(line)
		}

		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Exiting...")
			return
		}
		executeCommand(input, out, errOut)
	}
}

// executeCommand 使用shellwords解析输入并交给根命令执行
func executeCommand(input string, out, errOut io.Writer) {
	args, err := shellwords.NewParser().Parse(input)
	if err != nil {
		fmt.Fprintf(errOut, "Error parsing command: %v\n", err)
		return
	}
	if len(args) == 0 {
		return
	}
	if args[0] == "shell" || args[0] == "i" || args[0] == "interactive" {
		fmt.Fprintln(errOut, "Error: already in interactive mode")
		return
	}

	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
	}
}
