// Package apt implements the Deptective package manager adapter for
// Debian/Ubuntu-style distributions backed by APT.
package apt

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/trailofbits/deptective/pkg/packagemanager"
)

// Name is the adapter's registered name.
const Name = "apt"

func init() {
	packagemanager.Register(Name, func(cfg packagemanager.Config) packagemanager.Manager {
		return New(cfg)
	})
}

// Apt is the APT package manager adapter.
type Apt struct {
	cfg packagemanager.Config
	log *logrus.Entry
}

var _ packagemanager.Manager = (*Apt)(nil)

// New builds an Apt adapter bound to cfg.
func New(cfg packagemanager.Config) *Apt {
	return &Apt{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"package_manager": Name, "os": cfg.OS, "os_version": cfg.OSVersion, "arch": cfg.Arch}),
	}
}

// Name implements packagemanager.Manager.
func (a *Apt) Name() string { return Name }

// Config implements packagemanager.Manager.
func (a *Apt) Config() packagemanager.Config { return a.cfg }

// Update implements packagemanager.Manager.
func (a *Apt) Update(ctx context.Context, c packagemanager.Exec) (int, []byte, error) {
	return c.ExecRun(ctx, "apt-get update -y")
}

// Install implements packagemanager.Manager. With zero packages it is a
// successful no-op, matching Apt.install in the original implementation.
func (a *Apt) Install(ctx context.Context, c packagemanager.Exec, packages ...string) (int, []byte, error) {
	if len(packages) == 0 {
		return 0, nil, nil
	}
	return c.ExecRun(ctx, "apt-get -y install "+strings.Join(packages, " "))
}

const contentsBaseURL = "http://security.ubuntu.com/ubuntu/dists/"

// IterPackages implements packagemanager.Manager by downloading and parsing
// the upstream Contents-<arch>.gz index for the adapter's configured release.
func (a *Apt) IterPackages(ctx context.Context) iter.Seq2[packagemanager.Entry, error] {
	return func(yield func(packagemanager.Entry, error) bool) {
		// Ubuntu's Contents index omits /usr/bin/cc; synthesize it so a bare
		// `cc` invocation can still be resolved to a compiler package.
		if !yield(packagemanager.Entry{Filename: "usr/bin/cc", Packages: []string{"gcc", "g++", "clang"}}, nil) {
			return
		}

		contentsURL := fmt.Sprintf("%s%s/Contents-%s.gz", contentsBaseURL, a.cfg.OSVersion, a.cfg.Arch)
		a.log.Infof("downloading %s (one-time, may take a few minutes)", contentsURL)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentsURL, nil)
		if err != nil {
			yield(packagemanager.Entry{}, err)
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			yield(packagemanager.Entry{}, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			yield(packagemanager.Entry{}, &packagemanager.DatabaseNotFoundError{
				Manager: Name,
				Config:  a.cfg,
				Reason:  fmt.Sprintf("HTTP 404 from %s", contentsURL),
			})
			return
		}
		if resp.StatusCode != http.StatusOK {
			yield(packagemanager.Entry{}, fmt.Errorf("downloading %s: HTTP %d", contentsURL, resp.StatusCode))
			return
		}

		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			yield(packagemanager.Entry{}, fmt.Errorf("opening gzip stream from %s: %w", contentsURL, err))
			return
		}
		defer gz.Close()

		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			filename, packages, ok := parseContentsLine(line)
			if !ok {
				yield(packagemanager.Entry{}, fmt.Errorf("unexpected Contents line: %q", line))
				return
			}
			if !yield(packagemanager.Entry{Filename: filename, Packages: packages}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(packagemanager.Entry{}, fmt.Errorf("reading %s: %w", contentsURL, err))
		}
	}
}

// parseContentsLine splits a "filename WS section/package,section/package..."
// line from a Contents-<arch> file into a filename and its providing
// packages (the section prefix is stripped, as the original apt.py does with
// `pkg.split("/")[-1]`).
func parseContentsLine(line string) (filename string, packages []string, ok bool) {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return "", nil, false
	}
	filename = line[:idx]
	rest := strings.TrimSpace(line[idx+1:])
	if filename == "" || rest == "" {
		return "", nil, false
	}
	for _, pkg := range strings.Split(rest, ",") {
		pkg = strings.TrimSpace(pkg)
		if slash := strings.LastIndexByte(pkg, '/'); slash >= 0 {
			pkg = pkg[slash+1:]
		}
		if pkg != "" {
			packages = append(packages, pkg)
		}
	}
	return filename, packages, len(packages) > 0
}

// Versions implements packagemanager.Manager by scraping the Ubuntu archive's
// directory listing for every (release, arch) combination that has a
// Contents file, the same traversal original apt.py's UbuntuDistParser does
// with Python's html.parser — here using golang.org/x/net/html.
func (a *Apt) Versions(ctx context.Context) iter.Seq2[packagemanager.Manager, error] {
	return func(yield func(packagemanager.Manager, error) bool) {
		subdirs, err := listHrefDirs(ctx, contentsBaseURL)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, subdir := range subdirs {
			contentsFiles, err := listContentsFiles(ctx, contentsBaseURL+subdir)
			if err != nil {
				yield(nil, err)
				return
			}
			release := strings.TrimSuffix(subdir, "/")
			for _, contents := range contentsFiles {
				arch := strings.TrimSuffix(strings.TrimPrefix(contents, "Contents-"), ".gz")
				mgr := New(packagemanager.Config{OS: "ubuntu", OSVersion: release, Arch: arch})
				if !yield(mgr, nil) {
					return
				}
			}
		}
	}
}

func fetchHTML(ctx context.Context, url string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: HTTP %d", url, resp.StatusCode)
	}
	return html.Parse(resp.Body)
}

// listHrefDirs returns every same-origin subdirectory link ("href" ending in
// "/") in the directory listing at url.
func listHrefDirs(ctx context.Context, url string) ([]string, error) {
	root, err := fetchHTML(ctx, url)
	if err != nil {
		return nil, err
	}
	var dirs []string
	walkAnchors(root, func(href string) {
		if !strings.HasPrefix(href, "/") && strings.HasSuffix(href, "/") {
			dirs = append(dirs, href)
		}
	})
	return dirs, nil
}

// listContentsFiles returns every "Contents-*.gz" link in the directory
// listing at url.
func listContentsFiles(ctx context.Context, url string) ([]string, error) {
	root, err := fetchHTML(ctx, url)
	if err != nil {
		return nil, err
	}
	var files []string
	walkAnchors(root, func(href string) {
		if !strings.HasPrefix(href, "/") && strings.HasPrefix(href, "Contents-") && strings.HasSuffix(href, ".gz") {
			files = append(files, href)
		}
	})
	return files, nil
}

func walkAnchors(n *html.Node, visit func(href string)) {
	if n.Type == html.ElementNode && n.Data == "a" {
		for _, attr := range n.Attr {
			if attr.Key == "href" {
				visit(attr.Val)
				break
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walkAnchors(child, visit)
	}
}

// Dockerfile implements packagemanager.Manager, producing the base image
// recipe: a Go builder stage that compiles the two embedded helpers from
// source, an strace builder stage, then the final image with
// recommends/suggests disabled and both helpers in place.
func (a *Apt) Dockerfile() string {
	return fmt.Sprintf(`FROM golang:1.25 AS gobuilder
WORKDIR /src
COPY . .
RUN go build -o /out/deptective-strace ./cmd/deptective-strace
RUN go build -o /out/deptective-files-exist ./cmd/deptective-files-exist

FROM %[1]s:%[2]s AS stracebuilder
ENV DEBIAN_FRONTEND=noninteractive
RUN apt-get -y update && apt-get install -y strace

FROM %[1]s:%[2]s
ENV DEBIAN_FRONTEND=noninteractive
RUN apt-get -y update
RUN echo "APT::Get::Install-Recommends \"false\";" >> /etc/apt/apt.conf
RUN echo "APT::Get::Install-Suggests \"false\";" >> /etc/apt/apt.conf
RUN mkdir /src/
COPY --from=stracebuilder /usr/bin/strace /usr/bin/strace-native
COPY --from=gobuilder /out/deptective-strace /usr/bin/deptective-strace
COPY --from=gobuilder /out/deptective-files-exist /usr/bin/deptective-files-exist

ENTRYPOINT ["/usr/bin/deptective-strace"]
`, a.cfg.OS, a.cfg.OSVersion)
}
