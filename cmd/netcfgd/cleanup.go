//go:build linux

package main

import (
	"errors"
	"fmt"

	"github.com/nyiyui/netcfg/protect"
	"github.com/nyiyui/netcfg/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCleanup(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	err = util.SetupLog(c.Log.Level, c.Log.Development)
	if err != nil {
		return err
	}
	if c.Protect.Journal == "" {
		return errors.New("protect.journal is not set; nothing to replay")
	}
	journal, err := protect.OpenJournal(c.Protect.Journal)
	if err != nil {
		return err
	}
	defer journal.Close()
	sys, err := protect.NewSystem()
	if err != nil {
		return fmt.Errorf("netlink: %w", err)
	}
	defer sys.Close()
	m := protect.NewManager(sys, protect.Mode{}, journal, zap.S().Named("protect"))
	n, err := m.Recover()
	if err != nil {
		return err
	}
	fmt.Printf("reversed %d protection commands\n", n)
	return nil
}
