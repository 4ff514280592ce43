package engine

import "github.com/guardianproject/sqlitefs/internal/meta"

// Stat mirrors the fields a POSIX stat(2) call needs, synthesized from a
// meta_data row.
type Stat struct {
	Inode   int32
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Size    int64
	Blocks  int64
	BlkSize int64
	Atime   int64
	Mtime   int64
	Ctime   int64
}

const statBlockSize = 512

func attrToStat(a meta.Attr) Stat {
	return Stat{
		Inode:   a.Inode,
		Mode:    a.FileMode(),
		Uid:     a.Uid,
		Gid:     a.Gid,
		Size:    a.Size,
		Blocks:  a.Size / statBlockSize,
		BlkSize: statBlockSize,
		Atime:   a.Atime,
		Mtime:   a.Mtime,
		Ctime:   a.Ctime,
	}
}

// StatfsResult mirrors the fields a POSIX statfs(2) call reports.
type StatfsResult struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
	NoSuid      bool
}
