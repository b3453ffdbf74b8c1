package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		switch cmd {
		case "train":
			if err := RunTrainCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "translate":
			if err := RunTranslateCommand(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
	}

	// Default: show help
	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run . [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train       Train a model on a synthetic sequence task")
	fmt.Println("  translate   Train briefly, then greedily decode a source sequence")
	fmt.Println("  help        Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  go run . train -layers=2 -dim=64 -heads=4 -steps=500")
	fmt.Println("  go run . train -task=reverse -time=gru -checkpoint=1")
	fmt.Println("  go run . train -grow=2 -grow-steps=200")
	fmt.Println("  go run . translate -seq=\"5 7 4 9\" -task=reverse")
	fmt.Println()
}
