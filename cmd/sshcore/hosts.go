package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/acolita/sshcore/internal/config"
)

func (a *app) hosts(args []string) error {
	store, err := a.cfg.KnownHosts(a.fs)
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}

	if len(args) == 0 || (len(args) == 1 && args[0] == "list") {
		w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		for _, e := range store.Entries() {
			added := "-"
			if !e.Added.IsZero() {
				added = e.Added.Format("2006-01-02")
			}
			host := e.Host
			if e.IsRevoked() {
				host = "@revoked " + host
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", host, e.KeyType, e.Fingerprint, added)
		}
		return w.Flush()
	}

	if len(args) != 2 || args[0] != "remove" {
		return errUsage
	}
	h, err := config.ParseTarget(args[1])
	if err != nil {
		return err
	}
	n := store.Remove(h.Host, h.Port)
	if n == 0 {
		return fmt.Errorf("%s not found in %s", args[1], store.Path())
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "removed %d key(s) for %s from %s\n", n, args[1], store.Path())
	return nil
}
