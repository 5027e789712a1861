package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/acolita/sshcore/internal/sftp"
)

func (a *app) sftpClient(ctx context.Context, target string) (*sftp.Client, func(), error) {
	conn, err := a.connect(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	client := sftp.NewClient(conn)
	if err := client.Connect(ctx); err != nil {
		conn.Disconnect()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		conn.Disconnect()
	}, nil
}

func (a *app) list(ctx context.Context, target, path string) error {
	client, done, err := a.sftpClient(ctx, target)
	if err != nil {
		return err
	}
	defer done()

	infos, err := client.ReadDir(path)
	if err != nil {
		return fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]sftp.FileInfo, len(infos))
	for i, info := range infos {
		entries[i] = sftp.ToFileInfo(info)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t %s\n",
			e.Mode, e.Size, time.Unix(e.ModTime, 0).UTC().Format("2006-01-02 15:04"), name)
	}
	return w.Flush()
}

func (a *app) get(ctx context.Context, target, remote, local string) error {
	client, done, err := a.sftpClient(ctx, target)
	if err != nil {
		return err
	}
	defer done()

	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create %s: %w", local, err)
	}
	n, err := client.Download(remote, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", remote, err)
	}
	fmt.Fprintf(a.stdout, "%s -> %s (%d bytes)\n", remote, local, n)
	return nil
}

func (a *app) put(ctx context.Context, target, local, remote string) error {
	client, done, err := a.sftpClient(ctx, target)
	if err != nil {
		return err
	}
	defer done()

	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open %s: %w", local, err)
	}
	defer f.Close()
	n, err := client.Upload(f, remote)
	if err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	fmt.Fprintf(a.stdout, "%s -> %s (%d bytes)\n", local, remote, n)
	return nil
}
