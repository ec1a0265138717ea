package ufs1

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDirectory replaces the contents of directory inode `ino` and returns the
// updated inode.
func writeDirectory(t *testing.T, fs *FileSystem, ino Inumber, contents []byte) *Inode {
	file, err := fs.OpenFile(ino, ufstool.O_WRONLY|ufstool.O_TRUNC)
	require.NoError(t, err)
	_, err = file.Write(contents)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	inode, err := fs.ReadInode(ino)
	require.NoError(t, err)
	return inode
}

// makeDirectory creates a directory under `parent` holding `entries`, plus the
// usual "." and "..". It isn't linked into the parent.
func makeDirectory(t *testing.T, fs *FileSystem, parent Inumber, entries ...DirectoryEntry) *Inode {
	ino, err := fs.AllocInode(ufstool.S_IFDIR | 0o755)
	require.NoError(t, err)

	all := append(
		[]DirectoryEntry{
			{Inumber: ino, Type: DT_DIR, Name: "."},
			{Inumber: parent, Type: DT_DIR, Name: ".."},
		},
		entries...,
	)
	contents, err := EncodeDirectoryEntries(all)
	require.NoError(t, err)
	return writeDirectory(t, fs, ino, contents)
}

// setRootEntries replaces everything in the root directory except "." and "..".
func setRootEntries(t *testing.T, fs *FileSystem, entries ...DirectoryEntry) *Inode {
	all := append(
		[]DirectoryEntry{
			{Inumber: RootInode, Type: DT_DIR, Name: "."},
			{Inumber: RootInode, Type: DT_DIR, Name: ".."},
		},
		entries...,
	)
	contents, err := EncodeDirectoryEntries(all)
	require.NoError(t, err)
	return writeDirectory(t, fs, RootInode, contents)
}

type visit struct {
	ino     Inumber
	dirPath string
	name    string
}

func collectEntries(t *testing.T, fs *FileSystem, dir *Inode, dirPath string) []visit {
	visits := []visit{}
	err := fs.ScanDirectory(
		dir,
		dirPath,
		func(parent, child *Inode, dirPath, name string) error {
			assert.Equal(t, dir.Number, parent.Number)
			visits = append(visits, visit{child.Number, dirPath, name})
			return nil
		},
	)
	require.NoError(t, err)
	return visits
}

func TestScanDirectory__EmptyRoot(t *testing.T) {
	fs, _ := newTestFS(t)

	root, err := fs.ReadInode(RootInode)
	require.NoError(t, err)
	assert.Empty(t, collectEntries(t, fs, root, "/"))
}

func TestScanDirectory__SkipsDeletedEntries(t *testing.T) {
	fs, _ := newTestFS(t)
	first := newRegularFile(t, fs)
	second := newRegularFile(t, fs)

	root := setRootEntries(
		t,
		fs,
		DirectoryEntry{Inumber: first.Number, Type: DT_REG, Name: "first"},
		DirectoryEntry{Inumber: 0, Type: DT_REG, Name: "deleted"},
		DirectoryEntry{Inumber: second.Number, Type: DT_REG, Name: "second"},
	)

	assert.Equal(
		t,
		[]visit{
			{first.Number, "/", "first"},
			{second.Number, "/", "second"},
		},
		collectEntries(t, fs, root, "/"),
	)
	requireConsistent(t, fs)
}

func TestScanDirectory__SeveralBlocks(t *testing.T) {
	fs, _ := newTestFS(t)
	target := newRegularFile(t, fs)

	entries := make([]DirectoryEntry, 40)
	for i := range entries {
		entries[i] = DirectoryEntry{
			Inumber: target.Number,
			Type:    DT_REG,
			Name:    fmt.Sprintf("a-rather-long-name-%02d", i),
		}
	}
	dir := makeDirectory(t, fs, RootInode, entries...)
	require.Greater(t, dir.Size, uint64(DirectoryBlockSize))

	visits := collectEntries(t, fs, dir, "/stuff")
	require.Len(t, visits, len(entries))
	for i, v := range visits {
		assert.Equal(t, entries[i].Name, v.name)
		assert.Equal(t, "/stuff", v.dirPath)
	}
}

func TestScanDirectory__ZeroRecordLength(t *testing.T) {
	fs, _ := newTestFS(t)

	contents := make([]byte, DirectoryBlockSize)
	binary.LittleEndian.PutUint32(contents[0:], uint32(RootInode))
	contents[7] = 1
	contents[8] = '.'
	root := writeDirectory(t, fs, RootInode, contents)

	err := fs.ScanDirectory(root, "/", func(*Inode, *Inode, string, string) error {
		return nil
	})
	assertErrno(t, errors.EUCLEAN, err)
}

func TestScanDirectory__RecordPastEnd(t *testing.T) {
	fs, _ := newTestFS(t)

	contents, err := EncodeDirectoryEntries(nil)
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(contents[4:], 2*DirectoryBlockSize)
	root := writeDirectory(t, fs, RootInode, contents)

	err = fs.ScanDirectory(root, "/", func(*Inode, *Inode, string, string) error {
		return nil
	})
	assertErrno(t, errors.EUCLEAN, err)
}

func TestScanDirectory__VisitorErrorStopsScan(t *testing.T) {
	fs, _ := newTestFS(t)
	file := newRegularFile(t, fs)
	root := setRootEntries(
		t,
		fs,
		DirectoryEntry{Inumber: file.Number, Type: DT_REG, Name: "one"},
		DirectoryEntry{Inumber: file.Number, Type: DT_REG, Name: "two"},
	)

	stop := fmt.Errorf("stop here")
	calls := 0
	err := fs.ScanDirectory(root, "/", func(*Inode, *Inode, string, string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestScanDirectory__NotADirectory(t *testing.T) {
	fs, _ := newTestFS(t)
	file := newRegularFile(t, fs)

	err := fs.ScanDirectory(file, "/", func(*Inode, *Inode, string, string) error {
		t.Fatal("visitor must not be called")
		return nil
	})
	assertErrno(t, errors.ENOTDIR, err)
}

func TestLookupPath(t *testing.T) {
	fs, _ := newTestFS(t)
	nested := newRegularFile(t, fs)
	plain := newRegularFile(t, fs)

	sub := makeDirectory(
		t, fs, RootInode, DirectoryEntry{Inumber: nested.Number, Type: DT_REG, Name: "nested.txt"})
	setRootEntries(
		t,
		fs,
		DirectoryEntry{Inumber: sub.Number, Type: DT_DIR, Name: "sub"},
		DirectoryEntry{Inumber: plain.Number, Type: DT_REG, Name: "plain"},
	)

	found := map[string]Inumber{
		"/":                  RootInode,
		"":                   RootInode,
		"/sub":               sub.Number,
		"/sub/nested.txt":    nested.Number,
		"sub/./nested.txt":   nested.Number,
		"/sub/../plain":      plain.Number,
		"//sub//nested.txt/": nested.Number,
	}
	for filePath, expected := range found {
		inode, err := fs.LookupPath(filePath)
		if assert.NoErrorf(t, err, "looking up %q", filePath) {
			assert.Equalf(t, expected, inode.Number, "wrong inode for %q", filePath)
		}
	}

	_, err := fs.LookupPath("/sub/missing")
	assertErrno(t, errors.ENOENT, err)
	_, err = fs.LookupPath("/plain/anything")
	assertErrno(t, errors.ENOTDIR, err)
	_, err = fs.LookupPath("/" + strings.Repeat("x", MaxNameLength+1))
	assertErrno(t, errors.ENAMETOOLONG, err)
}

func TestEncodeDirectoryEntries__DotEntries(t *testing.T) {
	contents, err := EncodeDirectoryEntries(
		[]DirectoryEntry{
			{Inumber: 2, Type: DT_DIR, Name: "."},
			{Inumber: 2, Type: DT_DIR, Name: ".."},
		},
	)
	require.NoError(t, err)
	require.Len(t, contents, DirectoryBlockSize)

	assert.EqualValues(t, 2, binary.LittleEndian.Uint32(contents[0:]))
	assert.EqualValues(t, 12, binary.LittleEndian.Uint16(contents[4:]))
	assert.EqualValues(t, DT_DIR, contents[6])
	assert.EqualValues(t, 1, contents[7])
	assert.Equal(t, ".", string(contents[8:9]))

	assert.EqualValues(t, 2, binary.LittleEndian.Uint32(contents[12:]))
	assert.EqualValues(t, DirectoryBlockSize-12, binary.LittleEndian.Uint16(contents[16:]))
	assert.EqualValues(t, 2, contents[19])
	assert.Equal(t, "..", string(contents[20:22]))
}

func TestEncodeDirectoryEntries__Empty(t *testing.T) {
	contents, err := EncodeDirectoryEntries(nil)
	require.NoError(t, err)
	require.Len(t, contents, DirectoryBlockSize)
	assert.Zero(t, binary.LittleEndian.Uint32(contents[0:]))
	assert.EqualValues(t, DirectoryBlockSize, binary.LittleEndian.Uint16(contents[4:]))
}

func TestEncodeDirectoryEntries__NoEntryCrossesABlock(t *testing.T) {
	// Each of these takes 8 + 104 = 112 bytes, so four fit in a block.
	entries := make([]DirectoryEntry, 5)
	for i := range entries {
		entries[i] = DirectoryEntry{
			Inumber: Inumber(10 + i),
			Type:    DT_REG,
			Name:    strings.Repeat(string(rune('a'+i)), 100),
		}
	}

	contents, err := EncodeDirectoryEntries(entries)
	require.NoError(t, err)
	require.Len(t, contents, 2*DirectoryBlockSize)

	assert.EqualValues(t, DirectoryBlockSize-3*112, binary.LittleEndian.Uint16(contents[3*112+4:]))
	assert.EqualValues(t, 14, binary.LittleEndian.Uint32(contents[DirectoryBlockSize:]))
	assert.EqualValues(
		t, DirectoryBlockSize, binary.LittleEndian.Uint16(contents[DirectoryBlockSize+4:]))
}

func TestEncodeDirectoryEntries__BadNames(t *testing.T) {
	_, err := EncodeDirectoryEntries([]DirectoryEntry{{Inumber: 5, Name: ""}})
	assertErrno(t, errors.ENAMETOOLONG, err)

	_, err = EncodeDirectoryEntries(
		[]DirectoryEntry{{Inumber: 5, Name: strings.Repeat("x", MaxNameLength+1)}})
	assertErrno(t, errors.ENAMETOOLONG, err)
}

func TestModeToDirentType(t *testing.T) {
	assert.EqualValues(t, DT_DIR, ModeToDirentType(ufstool.S_IFDIR|0o755))
	assert.EqualValues(t, DT_REG, ModeToDirentType(ufstool.S_IFREG|0o644))
	assert.EqualValues(t, DT_LNK, ModeToDirentType(ufstool.S_IFLNK|0o777))
	assert.EqualValues(t, DT_UNKNOWN, ModeToDirentType(0))
}
