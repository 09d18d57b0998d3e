package mp4composer

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"sync"
)

// SourceType identifies how a source file is reached.
type SourceType int

const (
	SourceTypeUnknown SourceType = iota
	SourceTypePath               // file system path
	SourceTypeFile               // already open file descriptor
	SourceTypeURI                // content URI resolved by a ContentResolver
)

func (s SourceType) String() string {
	switch s {
	case SourceTypePath:
		return "Path"
	case SourceTypeFile:
		return "File"
	case SourceTypeURI:
		return "URI"
	default:
		return "Unknown"
	}
}

// Source is an open, seekable media file.
type Source interface {
	io.ReadSeeker
	io.Closer
	Size() int64
}

// SourceHandle names a media file and opens it on demand.
type SourceHandle interface {
	Type() SourceType
	Open() (Source, error)
	String() string
}

// PathSource is a file system path.
type PathSource string

func (p PathSource) Type() SourceType { return SourceTypePath }
func (p PathSource) String() string   { return string(p) }

func (p PathSource) Open() (Source, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	return newFileSource(f, true)
}

// FileSource reads an already open file. The caller keeps ownership of File;
// closing the Source leaves it open.
type FileSource struct {
	File *os.File
}

func (s FileSource) Type() SourceType { return SourceTypeFile }

func (s FileSource) String() string {
	if s.File == nil {
		return "fd:<nil>"
	}
	return fmt.Sprintf("fd:%d", s.File.Fd())
}

func (s FileSource) Open() (Source, error) {
	if s.File == nil {
		return nil, fmt.Errorf("%w: nil file", ErrSourceOpen)
	}
	return newFileSource(s.File, false)
}

type fileSource struct {
	*io.SectionReader
	f    *os.File
	owns bool
}

func newFileSource(f *os.File, owns bool) (*fileSource, error) {
	st, err := f.Stat()
	if err != nil {
		if owns {
			f.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	return &fileSource{SectionReader: io.NewSectionReader(f, 0, st.Size()), f: f, owns: owns}, nil
}

func (s *fileSource) Close() error {
	if !s.owns {
		return nil
	}
	return s.f.Close()
}

// ContentResolver opens content URIs.
type ContentResolver interface {
	Open(uri *url.URL) (Source, error)
}

// ContentResolverFunc adapts a function to ContentResolver.
type ContentResolverFunc func(uri *url.URL) (Source, error)

func (f ContentResolverFunc) Open(uri *url.URL) (Source, error) { return f(uri) }

// URISource is a content URI. When Resolver is nil the resolver registered
// for the URI scheme is used.
type URISource struct {
	URI      string
	Resolver ContentResolver
}

func (s URISource) Type() SourceType { return SourceTypeURI }
func (s URISource) String() string   { return s.URI }

func (s URISource) Open() (Source, error) {
	u, err := url.Parse(s.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	resolver := s.Resolver
	if resolver == nil {
		var ok bool
		if resolver, ok = lookupResolver(u.Scheme); !ok {
			return nil, fmt.Errorf("%w: no resolver for scheme %q", ErrSourceOpen, u.Scheme)
		}
	}
	src, err := resolver.Open(u)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	return src, nil
}

var resolvers = struct {
	mu sync.RWMutex
	m  map[string]ContentResolver
}{m: make(map[string]ContentResolver)}

// RegisterContentResolver registers the resolver for a URI scheme.
func RegisterContentResolver(scheme string, r ContentResolver) {
	resolvers.mu.Lock()
	defer resolvers.mu.Unlock()
	resolvers.m[scheme] = r
}

func lookupResolver(scheme string) (ContentResolver, bool) {
	resolvers.mu.RLock()
	defer resolvers.mu.RUnlock()
	r, ok := resolvers.m[scheme]
	return r, ok
}

// ContentSchemes lists the schemes with a registered resolver.
func ContentSchemes() []string {
	resolvers.mu.RLock()
	defer resolvers.mu.RUnlock()
	out := make([]string, 0, len(resolvers.m))
	for s := range resolvers.m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterContentResolver("file", ContentResolverFunc(func(u *url.URL) (Source, error) {
		return PathSource(u.Path).Open()
	}))
}
