// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_tool_docs generates a markdown reference table from
// internal/tools/tool_registry.yaml.
//
// Usage:
//
//	go run scripts/generate_tool_docs.go > docs/tool_reference.md
package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// toolRegistryYAML is the root structure for YAML deserialization.
type toolRegistryYAML struct {
	Tools []toolEntryYAML `yaml:"tools"`
}

// toolEntryYAML mirrors internal/tools/registry.go's YAML shape.
type toolEntryYAML struct {
	Name        string `yaml:"name"`
	Operation   string `yaml:"operation"`
	Async       bool   `yaml:"async"`
	Description string `yaml:"description"`
}

func main() {
	data, err := os.ReadFile("internal/tools/tool_registry.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading tool_registry.yaml: %v\n", err)
		os.Exit(1)
	}

	var registry toolRegistryYAML
	if err := yaml.Unmarshal(data, &registry); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing YAML: %v\n", err)
		os.Exit(1)
	}

	generateMarkdown(registry.Tools)
}

func generateMarkdown(tools []toolEntryYAML) {
	sorted := make([]toolEntryYAML, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	asyncCount := 0
	for _, t := range sorted {
		if t.Async {
			asyncCount++
		}
	}

	fmt.Println("# Tool Reference")
	fmt.Println()
	fmt.Println("Generated from `internal/tools/tool_registry.yaml`.")
	fmt.Println()
	fmt.Printf("**Generated:** %s\n", time.Now().Format("2006-01-02 15:04:05 UTC"))
	fmt.Println()
	fmt.Println("## Summary")
	fmt.Println()
	fmt.Println("| Metric | Count |")
	fmt.Println("|--------|-------|")
	fmt.Printf("| Total Tools | %d |\n", len(sorted))
	fmt.Printf("| Async (task-queued) Tools | %d |\n", asyncCount)
	fmt.Printf("| Synchronous Tools | %d |\n", len(sorted)-asyncCount)
	fmt.Println()

	fmt.Println("## Tools")
	fmt.Println()
	fmt.Println("| Tool | Operation | Mode | Description |")
	fmt.Println("|------|-----------|------|-------------|")
	for _, t := range sorted {
		mode := "sync"
		if t.Async {
			mode = "async"
		}
		fmt.Printf("| `%s` | `%s` | %s | %s |\n", t.Name, t.Operation, mode, t.Description)
	}
	fmt.Println()
	fmt.Println("*To regenerate: `go run scripts/generate_tool_docs.go > docs/tool_reference.md`*")
}
