// Package main is a terminal client for the loan chat server. It is meant
// for local development against a running server.
//
// Usage:
//
//	chatcli <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "unread":
		err = runUnread(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chatcli <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  token     Print a signed development token for a user")
	fmt.Println("  unread    Print unread counters for a list of loans")
	fmt.Println("  chat      Open a loan room and chat from stdin")
	fmt.Println()
	fmt.Println("Run 'chatcli <command> -h' for command-specific options.")
}
