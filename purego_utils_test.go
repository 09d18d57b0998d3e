//go:build darwin || linux

package mp4composer

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLibName(t *testing.T) {
	name := sharedLibName("libmedia_h264")
	if runtime.GOOS == "darwin" {
		assert.Equal(t, "libmedia_h264.dylib", name)
	} else {
		assert.Equal(t, "libmedia_h264.so", name)
	}
}

func TestLibSearchPaths_Order(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MP4COMPOSER_TEST_LIB", "/opt/custom/libx.so")
	t.Setenv("MP4COMPOSER_TEST_LIB_DIR", dir)

	paths := libSearchPaths("libx.so", "MP4COMPOSER_TEST_LIB", "MP4COMPOSER_TEST_LIB_DIR", "/usr/lib", "/usr/local/lib")
	require.GreaterOrEqual(t, len(paths), 5)
	assert.Equal(t, "/opt/custom/libx.so", paths[0])
	assert.Equal(t, filepath.Join(dir, "libx.so"), paths[1])

	n := len(paths)
	assert.Equal(t, "libx.so", paths[n-3])
	assert.Equal(t, filepath.Join("/usr/lib", "libx.so"), paths[n-2])
	assert.Equal(t, filepath.Join("/usr/local/lib", "libx.so"), paths[n-1])
}

func TestLibSearchPaths_NoEnv(t *testing.T) {
	paths := libSearchPaths("libx.so", "", "")
	for _, p := range paths {
		assert.True(t, strings.HasSuffix(p, "libx.so"), p)
	}
}

func TestDlopenFirst_Missing(t *testing.T) {
	_, err := dlopenFirst([]string{"/nonexistent/libnothing.so"}, func(uintptr) error { return nil })
	assert.ErrorIs(t, err, ErrProviderMissing)

	_, err = dlopenFirst(nil, func(uintptr) error { return nil })
	assert.Error(t, err)
}

func TestGoStringFromPtr(t *testing.T) {
	assert.Equal(t, "", goStringFromPtr(0))
	b := []byte("x264 [error]\x00trailing")
	assert.Equal(t, "x264 [error]", goStringFromPtr(uintptr(unsafe.Pointer(&b[0]))))
}
