// btview is a simple CLI tool for browsing btreedb files.
//
// Usage:
//
//	btview -k 4 <filename>             # interactive mode
//	btview -k 4 -l <filename>          # list mode (print all)
//	btview -k 4 -l -n 20 <filename>    # list first 20 items
//	btview -k 4 -s <filename>          # block statistics
//
// The key size (-k), content identifier (-c) and block size (-b) must match
// the ones the file was created with.
//
// Interactive mode:
//
//	j, down arrow      next entry
//	k, up arrow        previous entry
//	space, PgDn        next screen
//	b, PgUp            previous screen
//	g / G              first / last screen
//	/                  seek to a key prefix, zero padded to the key size
//	q, Esc, Ctrl+C     quit
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/dacapoday/btreedb/disk"
	"github.com/dacapoday/btreedb/kv"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#02D98E"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9B9B9B"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#5A56E0"))
	labelStyle  = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("#9B9B9B"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func main() {
	keySize := flag.Int("k", 0, "key size in bytes")
	contentID := flag.String("c", "", "content identifier")
	blockSize := flag.Int("b", kv.DefaultBlockSize, "block size in bytes")
	list := flag.Bool("l", false, "print entries and exit")
	limit := flag.Int("n", 0, "print at most n entries (0 = all)")
	stats := flag.Bool("s", false, "print block statistics and exit")
	flag.Parse()

	if flag.NArg() < 1 || *keySize <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: btview -k keysize [-c id] [-b blocksize] [-l] [-n count] [-s] <filename>")
		os.Exit(1)
	}

	db, err := open(flag.Arg(0), *keySize, *blockSize, *contentID)
	if err != nil {
		fail(err)
	}
	defer db.Close()

	switch {
	case *stats:
		err = printStats(db)
	case *list:
		err = printEntries(db, *limit)
	default:
		err = browse(db, flag.Arg(0))
	}
	if err != nil {
		db.Close()
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("btview: "+err.Error()))
	os.Exit(1)
}

// open refuses to create a database, so missing and empty files are errors.
func open(path string, keySize, blockSize int, contentID string) (*kv.Database, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	dev, err := disk.OpenPath(path)
	if err != nil {
		return nil, err
	}
	db := new(kv.Database)
	db.SetDevice(dev)
	db.SetKeySize(keySize)
	db.SetBlockSize(blockSize)
	db.SetContentIdentifier(contentID)
	if _, err = db.Open(); err != nil {
		dev.Close()
		return nil, err
	}
	return db, nil
}

func printStats(db *kv.Database) error {
	stats, err := db.Stats()
	if err != nil {
		return err
	}
	row := func(label string, value any) {
		fmt.Println(labelStyle.Render(label) + fmt.Sprint(value))
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("[ %s ]", db.ContentIdentifier())))
	row("block size", db.BlockSize())
	row("key size", db.KeySize())
	row("records", stats.Records)
	row("index levels", stats.IndexLevels)
	row("blocks", stats.Blocks)
	row("index blocks", stats.IndexBlocks)
	row("leaf blocks", stats.LeafBlocks)
	row("free blocks", stats.FreeBlocks)
	return nil
}

func printEntries(db *kv.Database, limit int) error {
	return db.ForAll(func(key, val []byte) bool {
		fmt.Println(format(key, 40) + "  " + format(val, 60))
		limit--
		return limit != 0
	})
}

