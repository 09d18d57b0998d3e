//go:build darwin || linux

// Shared utilities for purego-based codec bindings.

package mp4composer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up the directory tree from the current working directory
// to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// sharedLibName returns the platform file name of a shared library.
func sharedLibName(base string) string {
	if runtime.GOOS == "darwin" {
		return base + ".dylib"
	}
	return base + ".so"
}

// libSearchPaths lists candidate locations for a shared library, highest
// priority first: explicit env paths, next to the executable, build
// directories under the working directory and module root, then the bare
// name and system directories.
func libSearchPaths(libName string, envFile, envDir string, systemDirs ...string) []string {
	var paths []string

	if envFile != "" {
		if p := os.Getenv(envFile); p != "" {
			paths = append(paths, p)
		}
	}
	if envDir != "" {
		if p := os.Getenv(envDir); p != "" {
			paths = append(paths, filepath.Join(p, libName))
		}
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "..", "build", libName),
		)
	}

	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths, filepath.Join(moduleRoot, "build", libName))
	}

	// Let the dynamic linker search its own path last but one.
	paths = append(paths, libName)
	for _, dir := range systemDirs {
		paths = append(paths, filepath.Join(dir, libName))
	}
	return paths
}

// dlopenFirst opens the first loadable library of paths and binds its
// symbols with bind. A library that fails to bind is closed and skipped.
func dlopenFirst(paths []string, bind func(handle uintptr) error) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := bind(handle); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return handle, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrProviderMissing, lastErr)
	}
	return 0, errors.New("no library search paths")
}

// registerLibFuncs binds every symbol of table, recovering the panic purego
// raises for a missing symbol.
func registerLibFuncs(handle uintptr, table map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind symbols: %v", r)
		}
	}()
	for name, fptr := range table {
		purego.RegisterLibFunc(fptr, handle, name)
	}
	return nil
}
