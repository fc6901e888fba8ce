// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gitctl is an operator CLI for driving a running gitd over its
// HTTP surface (the non-MCP POST /tools/:name path), for manual
// testing and debugging without a real MCP client. Grounded on
// cmd/aleutian's cobra-based command tree.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration

	rootCmd = &cobra.Command{
		Use:   "gitctl",
		Short: "Operator CLI for a running gitd instance",
		Long:  `gitctl drives a gitd server's /tools/:name HTTP surface for manual tool calls, task status checks, and cancellation, without needing a real MCP client.`,
	}

	callCmd = &cobra.Command{
		Use:   "call [tool] [json-params]",
		Short: "Invoke a tool by name with a JSON params payload",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runCall,
	}

	statusCmd = &cobra.Command{
		Use:   "status [task-id]",
		Short: "Fetch a task's current status via git_get_task",
		Args:  cobra.ExactArgs(1),
		Run:   runStatus,
	}

	cancelCmd = &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Cancel a running task via git_cancel_task",
		Args:  cobra.ExactArgs(1),
		Run:   runCancel,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check the server's /healthz endpoint",
		Run:   runHealth,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "gitd server base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(callCmd, statusCmd, cancelCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("gitctl: %v", err)
	}
}

func runCall(cmd *cobra.Command, args []string) {
	tool := args[0]
	body := []byte("{}")
	if len(args) == 2 {
		body = []byte(args[1])
	}
	printResponse(postJSON(fmt.Sprintf("%s/tools/%s", serverAddr, tool), body))
}

func runStatus(cmd *cobra.Command, args []string) {
	params, _ := json.Marshal(map[string]string{"task_id": args[0]})
	printResponse(postJSON(fmt.Sprintf("%s/tools/git_get_task", serverAddr), params))
}

func runCancel(cmd *cobra.Command, args []string) {
	params, _ := json.Marshal(map[string]string{"task_id": args[0]})
	printResponse(postJSON(fmt.Sprintf("%s/tools/git_cancel_task", serverAddr), params))
}

func runHealth(cmd *cobra.Command, args []string) {
	printResponse(getURL(fmt.Sprintf("%s/healthz", serverAddr)))
}

func postJSON(url string, body []byte) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func getURL(url string) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func printResponse(raw []byte, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(raw))
}
