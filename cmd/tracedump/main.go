// Copyright 2023 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	tracer "github.com/saferwall/jsontracer"
	"github.com/spf13/cobra"
)

var (
	verbose   bool
	funcs     bool
	vars      bool
	types     bool
	all       bool
	queryAddr string
	queryPC   string
	queryBase string
	querySP   string
)

func prettyPrint(iface interface{}) string {
	var prettyJSON bytes.Buffer
	buff, _ := json.Marshal(iface)
	err := json.Indent(&prettyJSON, buff, "", "\t")
	if err != nil {
		log.Println("JSON parse error: ", err)
		return string(buff)
	}

	return prettyJSON.String()
}

func dumpInfo(cmd *cobra.Command, args []string) {
	info, err := tracer.LoadDebugInfo(args[0])
	if err != nil {
		log.Printf("Error while loading debug info from %s, reason: %v", args[0], err)
		return
	}

	if funcs || all {
		fmt.Println(prettyPrint(info.Funcs))
	}
	if vars || all {
		fmt.Println(prettyPrint(info.Vars))
	}
	if types || all {
		fmt.Println(prettyPrint(info.Types))
	}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func resolve(cmd *cobra.Command, args []string) {
	info, err := tracer.LoadDebugInfo(args[0])
	if err != nil {
		log.Printf("Error while loading debug info from %s, reason: %v", args[0], err)
		return
	}

	var addr, pc, base, sp uint64
	for _, in := range []struct {
		raw string
		dst *uint64
	}{
		{queryAddr, &addr}, {queryPC, &pc}, {queryBase, &base}, {querySP, &sp},
	} {
		if in.raw == "" {
			continue
		}
		v, err := parseHex(in.raw)
		if err != nil {
			log.Printf("Invalid hex value %q, reason: %v", in.raw, err)
			return
		}
		*in.dst = v
	}

	id, ok := info.VariableAt(addr, pc, base, sp)
	if !ok {
		fmt.Println("no variable at address")
		return
	}
	fmt.Println(prettyPrint(id))
}

// stat scans a trace log and reports how many records it holds.
func stat(cmd *cobra.Command, args []string) {
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			log.Printf("Error while opening %s, reason: %v", path, err)
			continue
		}

		records := 0
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), `{"pc": `) {
				records++
			}
		}
		f.Close()

		fmt.Printf("%s: %d records\n", path, records)
	}
}

func main() {

	var rootCmd = &cobra.Command{
		Use:   "tracedump",
		Short: "Inspect jsontracer artifacts",
		Long:  "Dumps debug-info tables, resolves variable queries and summarises trace logs",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Long:  "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print("You are using version 0.0.1")
		},
	}

	var infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Dump the debug-info table of a binary",
		Long:  "Loads the target's debugging records and dumps the function, variable and type tables",
		Args:  cobra.MinimumNArgs(1),
		Run:   dumpInfo,
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an address to a variable",
		Long:  "Answers which source-level variable a runtime address denotes at a given pc",
		Args:  cobra.MinimumNArgs(1),
		Run:   resolve,
	}

	var statCmd = &cobra.Command{
		Use:   "stat",
		Short: "Summarise trace logs",
		Long:  "Counts the records held in one or more trace log files",
		Args:  cobra.MinimumNArgs(1),
		Run:   stat,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	infoCmd.Flags().BoolVarP(&funcs, "funcs", "", false, "Dump function table")
	infoCmd.Flags().BoolVarP(&vars, "vars", "", false, "Dump static variable table")
	infoCmd.Flags().BoolVarP(&types, "types", "", false, "Dump type table")
	infoCmd.Flags().BoolVarP(&all, "all", "", false, "Dump everything")
	resolveCmd.Flags().StringVarP(&queryAddr, "addr", "", "", "Runtime address (hex)")
	resolveCmd.Flags().StringVarP(&queryPC, "pc", "", "", "Current program counter (hex)")
	resolveCmd.Flags().StringVarP(&queryBase, "base", "", "", "Main module segment base (hex)")
	resolveCmd.Flags().StringVarP(&querySP, "sp", "", "", "Stack pointer before the call (hex)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

}
