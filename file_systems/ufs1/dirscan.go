package ufs1

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/errors"
	"github.com/noxer/bytewriter"
)

const (
	// DirectoryBlockSize is the unit directory entries are packed into. No entry
	// crosses a boundary of this size (DIRBLKSIZ).
	DirectoryBlockSize = 512

	direntHeaderSize = 8
)

// Directory entry types, stored in the type byte of each entry.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
	DT_WHT     = 14
)

// DirectoryEntry is one live record in a directory.
type DirectoryEntry struct {
	Inumber Inumber
	Type    uint8
	Name    string
}

type direntHeader struct {
	Inumber      uint32
	RecordLength uint16
	Type         uint8
	NameLength   uint8
}

// DirectoryVisitor is called for each entry of a directory with the directory's
// inode, the entry's inode, the path of the directory, and the entry's name.
// Returning an error stops the scan.
type DirectoryVisitor func(parent, child *Inode, dirPath, name string) error

// ModeToDirentType returns the directory entry type matching an inode mode.
func ModeToDirentType(mode uint16) uint8 {
	switch mode & ufstool.S_IFMT {
	case ufstool.S_IFIFO:
		return DT_FIFO
	case ufstool.S_IFCHR:
		return DT_CHR
	case ufstool.S_IFDIR:
		return DT_DIR
	case ufstool.S_IFBLK:
		return DT_BLK
	case ufstool.S_IFREG:
		return DT_REG
	case ufstool.S_IFLNK:
		return DT_LNK
	case ufstool.S_IFSOCK:
		return DT_SOCK
	default:
		return DT_UNKNOWN
	}
}

// direntSize is the smallest record that can hold a name of `nameLength` bytes
// (DIRSIZ).
func direntSize(nameLength int) int {
	return direntHeaderSize + (nameLength+4)&^3
}

// ScanDirectory calls `visitor` for every entry of directory `dir` except `.`,
// `..`, and deleted entries. `dirPath` is passed through to the visitor
// unchanged. Subdirectories are not descended into.
func (fs *FileSystem) ScanDirectory(dir *Inode, dirPath string, visitor DirectoryVisitor) error {
	if !dir.IsDir() {
		return errors.NewWithMessage(
			errors.ENOTDIR, fmt.Sprintf("inode %d is not a directory", dir.Number))
	}

	file, err := fs.openInode(dir, ufstool.O_RDONLY)
	if err != nil {
		return err
	}

	size := int64(dir.Size)
	header := make([]byte, direntHeaderSize)
	nameBuffer := make([]byte, MaxNameLength+1)

	for offset := int64(0); offset < size; {
		_, err = file.ReadAt(header, offset)
		if err != nil {
			return fs.direntReadError(dir, offset, err)
		}

		ino := binary.LittleEndian.Uint32(header[0:])
		recordLength := int64(binary.LittleEndian.Uint16(header[4:]))
		nameLength := int(header[7])

		if recordLength == 0 || offset+recordLength > size ||
			recordLength < int64(direntSize(nameLength)) {
			return errors.NewWithMessage(
				errors.EUCLEAN,
				fmt.Sprintf(
					"directory inode %d: bad record length %d at offset %d (size %d, name length %d)",
					dir.Number,
					recordLength,
					offset,
					size,
					nameLength,
				),
			)
		}

		if ino != 0 {
			name := nameBuffer[:nameLength]
			if nameLength > 0 {
				_, err = file.ReadAt(name, offset+direntHeaderSize)
				if err != nil {
					return fs.direntReadError(dir, offset, err)
				}
			}

			nameStr := string(name)
			if nameStr != "." && nameStr != ".." {
				child, err := fs.ReadInode(Inumber(ino))
				if err != nil {
					return err
				}
				err = visitor(dir, child, dirPath, nameStr)
				if err != nil {
					return err
				}
			}
		}
		offset += recordLength
	}
	return nil
}

func (fs *FileSystem) direntReadError(dir *Inode, offset int64, err error) error {
	if err == io.EOF {
		return errors.NewWithMessage(
			errors.EUCLEAN,
			fmt.Sprintf("directory inode %d: entry at offset %d is truncated", dir.Number, offset),
		)
	}
	return err
}

// errStopScan ends a directory scan early once the wanted entry is found.
var errStopScan = fmt.Errorf("entry found")

// LookupPath resolves an absolute slash-separated path starting from the root
// directory and returns the inode it names.
func (fs *FileSystem) LookupPath(filePath string) (*Inode, error) {
	current, err := fs.ReadInode(RootInode)
	if err != nil {
		return nil, err
	}

	cleaned := path.Clean("/" + filePath)
	if cleaned == "/" {
		return current, nil
	}

	dirPath := "/"
	for _, component := range strings.Split(cleaned[1:], "/") {
		if len(component) > MaxNameLength {
			return nil, errors.NewWithMessage(
				errors.ENAMETOOLONG,
				fmt.Sprintf("path component %q is longer than %d bytes", component, MaxNameLength),
			)
		}
		if !current.IsDir() {
			return nil, errors.NewWithMessage(
				errors.ENOTDIR, fmt.Sprintf("%s is not a directory", dirPath))
		}

		var found *Inode
		err = fs.ScanDirectory(
			current,
			dirPath,
			func(parent, child *Inode, dirPath, name string) error {
				if name == component {
					found = child
					return errStopScan
				}
				return nil
			},
		)
		if err != nil && err != errStopScan {
			return nil, err
		}
		if found == nil {
			return nil, errors.NewWithMessage(
				errors.ENOENT, fmt.Sprintf("%s not found", path.Join(dirPath, component)))
		}

		current = found
		dirPath = path.Join(dirPath, component)
	}
	return current, nil
}

// EncodeDirectoryEntries packs `entries` into directory blocks. Each block is
// DirectoryBlockSize bytes, and the last entry in each block is stretched to
// fill it. The output is always a whole number of blocks.
func EncodeDirectoryEntries(entries []DirectoryEntry) ([]byte, error) {
	output := make([]byte, 0, DirectoryBlockSize)
	blockStart := 0
	lastEntry := -1

	for _, entry := range entries {
		if len(entry.Name) == 0 || len(entry.Name) > MaxNameLength {
			return nil, errors.NewWithMessage(
				errors.ENAMETOOLONG,
				fmt.Sprintf("invalid directory entry name %q", entry.Name),
			)
		}

		size := direntSize(len(entry.Name))
		if len(output)+size > blockStart+DirectoryBlockSize {
			output = extendLastDirent(output, lastEntry, blockStart+DirectoryBlockSize)
			blockStart += DirectoryBlockSize
		}

		record := make([]byte, size)
		writer := bytewriter.New(record)
		binary.Write(
			writer,
			binary.LittleEndian,
			direntHeader{
				Inumber:      uint32(entry.Inumber),
				RecordLength: uint16(size),
				Type:         entry.Type,
				NameLength:   uint8(len(entry.Name)),
			},
		)
		writer.Write([]byte(entry.Name))

		lastEntry = len(output)
		output = append(output, record...)
	}

	return extendLastDirent(output, lastEntry, blockStart+DirectoryBlockSize), nil
}

// extendLastDirent pads `output` to `end` bytes and grows the record at
// `lastEntry` to cover the padding. If there's no record, the padding is one
// empty record.
func extendLastDirent(output []byte, lastEntry int, end int) []byte {
	if lastEntry < 0 || lastEntry < end-DirectoryBlockSize {
		lastEntry = len(output)
	}
	output = append(output, make([]byte, end-len(output))...)
	binary.LittleEndian.PutUint16(output[lastEntry+4:], uint16(end-lastEntry))
	return output
}
