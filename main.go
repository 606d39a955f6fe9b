package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	_ "github.com/trailofbits/deptective/pkg/apt"
	"github.com/trailofbits/deptective/pkg/container"
	"github.com/trailofbits/deptective/pkg/contentcache"
	"github.com/trailofbits/deptective/pkg/packagemanager"
	"github.com/trailofbits/deptective/pkg/progress"
	"github.com/trailofbits/deptective/pkg/sbom"
)

// CLI defines the command-line interface structure.
type CLI struct {
	PackageManager string `name:"package-manager" default:"apt" help:"Package manager adapter to use"`
	OperatingSystem string `name:"operating-system" help:"Target distribution, e.g. ubuntu"`
	Release        string `name:"release" help:"Target release/codename"`
	Arch           string `name:"arch" help:"Target architecture"`
	Rebuild        bool   `name:"rebuild" help:"Force content index cache reconstruction"`
	List           bool   `name:"list" help:"List supported (os, release, arch) configurations and exit"`
	Search         []string `name:"search" help:"Bypass the search engine; print packages providing each PATH"`
	MultiStep      string `name:"multi-step" type:"existingfile" help:"File with one command per line, searched as a dependent sequence"`
	NumResults     int    `name:"num-results" default:"1" help:"Number of feasible SBOMs to print"`
	All            bool   `name:"all" help:"Print every feasible SBOM found"`
	LogDir         string `name:"log-dir" help:"Directory to write diagnostic artifacts to on failure"`
	Force          bool   `name:"force" help:"Overwrite an existing --log-dir"`
	LogLevel       string `name:"log-level" default:"info" help:"logrus level"`
	Debug          bool   `name:"debug" help:"Shorthand for --log-level=debug"`
	Quiet          bool   `name:"quiet" help:"Shorthand for --log-level=warning"`

	Command []string `arg:"" optional:"" passthrough:"" help:"Command (and arguments) to make exit zero"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("deptective"),
		kong.Description("Computes the minimal OS package set that makes a command exit zero"),
		kong.UsageOnError(),
	)
	err := run(&cli)
	kctx.FatalIfErrorf(err)
}

func configureLogging(cli *CLI) *logrus.Entry {
	logrus.SetOutput(os.Stderr)
	level := logrus.InfoLevel
	if parsed, err := logrus.ParseLevel(cli.LogLevel); err == nil {
		level = parsed
	}
	if cli.Debug {
		level = logrus.DebugLevel
	}
	if cli.Quiet {
		level = logrus.WarnLevel
	}
	logrus.SetLevel(level)
	return logrus.WithField("component", "cli")
}

func run(cli *CLI) error {
	log := configureLogging(cli)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sigs:
			log.WithField("signal", sig).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	factory, ok := packagemanager.Lookup(cli.PackageManager)
	if !ok {
		return fmt.Errorf("unknown package manager %q (available: %s)", cli.PackageManager, strings.Join(packagemanager.Names(), ", "))
	}

	cfg := resolveConfig(cli)
	pm := factory(cfg)

	if cli.List {
		return listConfigurations(ctx, pm)
	}

	cache, err := openCache(ctx, pm, cli.Rebuild)
	if err != nil {
		var notFound *packagemanager.DatabaseNotFoundError
		if asDatabaseNotFound(err, &notFound) {
			return nonLinuxFallback(ctx, cli, log, err)
		}
		return err
	}
	defer cache.Close()

	if len(cli.Search) > 0 {
		return searchOnly(cache, cli.Search)
	}

	if len(cli.Command) == 0 {
		return fmt.Errorf("no command given; pass a command after the flags, or --search/--list")
	}

	containers, err := container.New()
	if err != nil {
		return fmt.Errorf("connecting to the container engine: %w", err)
	}
	defer containers.Close()

	moduleDir, err := moduleSourceDir()
	if err != nil {
		return err
	}
	sourceDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining the source tree to copy into the container: %w", err)
	}

	gen, err := sbom.NewGenerator(ctx, cache, containers, pm, moduleDir, sourceDir, cli.Rebuild)
	if err != nil {
		return err
	}
	gen.Progress = progress.NewLogReporter(log)

	var commands [][]string
	if cli.MultiStep != "" {
		commands, err = readCommandFile(cli.MultiStep)
		if err != nil {
			return err
		}
	} else {
		commands = [][]string{cli.Command}
	}

	printed := 0
	var searchErr error
	yield := func(res sbom.Result) bool {
		fmt.Println(strings.Join(res.SBOM.Packages(), " "))
		printed++
		if cli.All {
			return true
		}
		return printed < cli.NumResults
	}

	if len(commands) == 1 {
		searchErr = gen.Run(ctx, commands[0][0], commands[0][1:], yield)
	} else {
		searchErr = gen.MultiStep(ctx, commands, yield)
	}

	if searchErr != nil {
		return handleSearchError(cli, log, searchErr)
	}
	if printed == 0 {
		return fmt.Errorf("search completed without yielding an SBOM")
	}
	return nil
}

func resolveConfig(cli *CLI) packagemanager.Config {
	cfg := packagemanager.LocalConfig()
	if cli.OperatingSystem != "" {
		cfg.OS = cli.OperatingSystem
	}
	if cli.Release != "" {
		cfg.OSVersion = cli.Release
	}
	if cli.Arch != "" {
		cfg.Arch = cli.Arch
	}
	return cfg
}

// nonLinuxFallback mirrors cli.py's retry-against-ubuntu/noble/amd64 when the
// detected host triple has no content index upstream.
func nonLinuxFallback(ctx context.Context, cli *CLI, log *logrus.Entry, original error) error {
	if cli.OperatingSystem != "" || cli.Release != "" || cli.Arch != "" {
		return original
	}
	log.WithError(original).Warn("local configuration unsupported, retrying against ubuntu/noble/amd64")
	fallback := *cli
	fallback.OperatingSystem = "ubuntu"
	fallback.Release = "noble"
	fallback.Arch = "amd64"
	return run(&fallback)
}

func listConfigurations(ctx context.Context, pm packagemanager.Manager) error {
	for version, err := range pm.Versions(ctx) {
		if err != nil {
			return err
		}
		cfg := version.Config()
		fmt.Printf("%s %s %s %s\n", version.Name(), cfg.OS, cfg.OSVersion, cfg.Arch)
	}
	return nil
}

func openCache(ctx context.Context, pm packagemanager.Manager, rebuild bool) (*contentcache.Cache, error) {
	if rebuild {
		if err := contentcache.Delete(pm); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return contentcache.Open(ctx, pm)
}

func searchOnly(cache *contentcache.Cache, paths []string) error {
	missing := false
	for _, path := range paths {
		packages, err := cache.Lookup(path)
		if err != nil {
			return err
		}
		if len(packages) == 0 {
			fmt.Printf("Packages providing %s: none\n", path)
			missing = true
			continue
		}
		fmt.Printf("Packages providing %s: %s\n", path, strings.Join(packages, ", "))
	}
	if missing {
		return errExitOne
	}
	return nil
}

func readCommandFile(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var commands [][]string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		commands = append(commands, strings.Fields(line))
	}
	if len(commands) == 0 {
		return nil, fmt.Errorf("%s contains no commands", path)
	}
	return commands, nil
}

// errExitOne reports --search's exit-1 condition: at least one path has no
// provider in the content index.
var errExitOne = fmt.Errorf("one or more search paths have no providing package")

func moduleSourceDir() (string, error) {
	exe, err := os.Executable()
	if err == nil {
		if _, statErr := os.Stat(filepath.Join(filepath.Dir(exe), "go.mod")); statErr == nil {
			return filepath.Dir(exe), nil
		}
	}
	return os.Getwd()
}

func asDatabaseNotFound(err error, target **packagemanager.DatabaseNotFoundError) bool {
	for err != nil {
		if notFound, ok := err.(*packagemanager.DatabaseNotFoundError); ok {
			*target = notFound
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// handleSearchError writes the log-dir diagnostic artifacts spec §6 requires
// and, on a TTY, offers to print the most-promising partial SBOM it found.
func handleSearchError(cli *CLI, log *logrus.Entry, searchErr error) error {
	var resolution *sbom.PackageResolutionError
	if e, ok := searchErr.(*sbom.PackageResolutionError); ok {
		resolution = e
	}

	if cli.LogDir != "" {
		if err := writeDiagnostics(cli.LogDir, cli.Force, resolution); err != nil {
			log.WithError(err).Warn("failed to write diagnostic artifacts")
		}
	}

	if resolution != nil && term.IsTerminal(int(os.Stdout.Fd())) {
		if promptYesNo("Show the most promising partial package set?") {
			fmt.Println(strings.Join(resolution.PartialSBOM.Packages(), " "))
			fmt.Println(resolution.CommandOutputString())
		}
	}

	return searchErr
}

func writeDiagnostics(dir string, force bool, resolution *sbom.PackageResolutionError) error {
	if _, err := os.Stat(dir); err == nil && !force {
		return fmt.Errorf("%s already exists (pass --force to overwrite)", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if resolution == nil {
		return nil
	}

	packages := resolution.PartialSBOM.Packages()
	txt := strings.Join(packages, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "most_promising_sbom.txt"), []byte(txt), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "final_output.txt"), []byte(resolution.CommandOutputString()), 0o644); err != nil {
		return err
	}

	yamlBundle, err := yaml.Marshal(struct {
		Packages []string `yaml:"packages"`
	}{Packages: packages})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "most_promising_sbom.yaml"), yamlBundle, 0o644)
}

func promptYesNo(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
