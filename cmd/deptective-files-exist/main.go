// Command deptective-files-exist is an embedded helper baked into every
// Deptective base image. It prints, one per line, every argument path whose
// stat fails with ENOENT, then exits zero; any path it never prints is
// deemed to exist. Any other stat error is written to stderr and the helper
// exits 1.
package main

import (
	"bufio"
	"fmt"
	"os"
)

func main() {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for _, path := range os.Args[1:] {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(w, path)
				continue
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
