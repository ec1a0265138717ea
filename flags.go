package ufstool

// File mode bits as stored in the low 16 bits of an inode's mode.
const (
	S_IXOTH  = 0o000001
	S_IWOTH  = 0o000002
	S_IROTH  = 0o000004
	S_IXGRP  = 0o000010
	S_IWGRP  = 0o000020
	S_IRGRP  = 0o000040
	S_IXUSR  = 0o000100
	S_IWUSR  = 0o000200
	S_IRUSR  = 0o000400
	S_ISVTX  = 0o001000
	S_ISGID  = 0o002000
	S_ISUID  = 0o004000
	S_IFIFO  = 0o010000
	S_IFCHR  = 0o020000
	S_IFDIR  = 0o040000
	S_IFBLK  = 0o060000
	S_IFREG  = 0o100000
	S_IFLNK  = 0o120000
	S_IFSOCK = 0o140000
	S_IFWHT  = 0o160000
	S_IFMT   = 0o170000
)

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

// IOFlags is a bitmask of open(2)-style flags controlling how a file stream
// may be used.
type IOFlags int

const (
	O_RDONLY IOFlags = 0
	O_WRONLY IOFlags = 1
	O_RDWR   IOFlags = 2
	O_APPEND IOFlags = 0x0008
	O_SYNC   IOFlags = 0x0080
	O_TRUNC  IOFlags = 0x0400
)

const O_ACCMODE = O_RDONLY | O_WRONLY | O_RDWR

// Read returns true if the flags permit reading.
func (flags IOFlags) Read() bool {
	mode := flags & O_ACCMODE
	return mode == O_RDONLY || mode == O_RDWR
}

// Write returns true if the flags permit writing.
func (flags IOFlags) Write() bool {
	mode := flags & O_ACCMODE
	return mode == O_WRONLY || mode == O_RDWR
}

func (flags IOFlags) Append() bool {
	return flags&O_APPEND != 0
}

func (flags IOFlags) Synchronous() bool {
	return flags&O_SYNC != 0
}

func (flags IOFlags) Truncate() bool {
	return flags&O_TRUNC != 0
}
