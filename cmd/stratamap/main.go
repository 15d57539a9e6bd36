// Command stratamap creates and inspects cluster maps: a fresh monitor
// map (with a generated fsid), a seed target map with a sample CRUSH
// topology, or a dump of either.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/stratastore/strata/cmap"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/crush"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  stratamap create-monmap <out> <addr> [<addr>...]
  stratamap create-targetmap <out> <monmap> <num-targets> <replicas>
  stratamap print <file>
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 1
	}
	var err error
	switch args[0] {
	case "create-monmap":
		if len(args) < 3 {
			usage()
			return 1
		}
		err = createMonMap(args[1], args[2:])
	case "create-targetmap":
		if len(args) != 5 {
			usage()
			return 1
		}
		err = createTargetMap(args[1], args[2], args[3], args[4])
	case "print":
		if len(args) != 2 {
			usage()
			return 1
		}
		err = printMap(args[1])
	default:
		usage()
		return 1
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "stratamap:", err)
		return 1
	}
	return 0
}

func createMonMap(out string, addrs []string) error {
	m := &cmap.MonMap{
		Epoch: 1,
		Fsid:  cmn.NewFsid(),
	}
	for i, s := range addrs {
		a, err := cmn.ParseAddr(s)
		if err != nil {
			return err
		}
		m.Mons = append(m.Mons, cmap.MonInst{Rank: uint32(i), Addr: a})
	}
	if err := os.WriteFile(out, m.Encode(), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote monmap epoch %d fsid %s with %d monitors\n", m.Epoch, m.Fsid, m.NumMon())
	return nil
}

// createTargetMap builds epoch 1 with all targets in, uniformly weighted,
// under a flat straw topology plus a first-n replication rule.
func createTargetMap(out, monmapPath, numStr, repStr string) error {
	b, err := os.ReadFile(monmapPath)
	if err != nil {
		return err
	}
	mm, err := cmap.DecodeMonMap(b)
	if err != nil {
		return err
	}
	num, err := strconv.Atoi(numStr)
	if err != nil || num <= 0 {
		return fmt.Errorf("bad target count %q", numStr)
	}
	rep, err := strconv.Atoi(repStr)
	if err != nil || rep <= 0 {
		return fmt.Errorf("bad replica count %q", repStr)
	}

	const hostType = 1
	cm := crush.NewMap(num)
	items := make([]int32, num)
	weights := make([]uint32, num)
	for i := range items {
		items[i] = int32(i)
		weights[i] = crush.WeightIn
	}
	root, err := cm.AddBucket(crush.AlgStraw, hostType, items, weights)
	if err != nil {
		return err
	}
	cm.AddRule(
		crush.RuleMask{Ruleset: cmap.PGTypeRep, Type: cmap.PGTypeRep, MinSize: 1, MaxSize: uint8(rep)},
		[]crush.RuleStep{
			{Op: crush.RuleTake, Arg1: uint32(root)},
			{Op: crush.RuleChooseFirstN, Arg1: 0, Arg2: uint32(crush.LeafType)},
			{Op: crush.RuleEmit},
		})
	cm.Finalize()

	pgNum := uint32(num * 16)
	tm := &cmap.TargetMap{
		Fsid:    mm.Fsid,
		Epoch:   1,
		Ctime:   cmap.UtimeNow(),
		Mtime:   cmap.UtimeNow(),
		PGNum:   pgNum,
		PGPNum:  pgNum,
		LPGNum:  pgNum,
		LPGPNum: pgNum,
		Crush:   cm,
	}
	tm.CalcPGMasks()
	tm.SetMaxTarget(num)
	for i := range num {
		tm.State[i] = cmap.StateUp
	}
	if err := os.WriteFile(out, tm.Encode(), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote target map epoch %d fsid %s: %d targets, %d pgs\n",
		tm.Epoch, tm.Fsid, num, pgNum)
	return nil
}

func printMap(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if mm, err := cmap.DecodeMonMap(b); err == nil {
		fmt.Printf("monmap epoch %d fsid %s\n", mm.Epoch, mm.Fsid)
		for _, mi := range mm.Mons {
			fmt.Printf("  mon%d %s\n", mi.Rank, mi.Addr)
		}
		return nil
	}
	tm, err := cmap.DecodeTargetMap(b)
	if err != nil {
		return err
	}
	fmt.Printf("target map epoch %d fsid %s\n", tm.Epoch, tm.Fsid)
	fmt.Printf("  pg_num %d (mask %x) pgp_num %d (mask %x)\n",
		tm.PGNum, tm.PGNumMask, tm.PGPNum, tm.PGPNumMask)
	fmt.Printf("  max_target %d\n", tm.MaxTarget())
	for t := range tm.MaxTarget() {
		state := "down"
		if tm.IsUp(t) {
			state = "up"
		}
		addr, _ := tm.AddrOf(t)
		fmt.Printf("  tgt%d %s weight %x addr %s\n", t, state, tm.WeightOf(t), addr)
	}
	return nil
}
