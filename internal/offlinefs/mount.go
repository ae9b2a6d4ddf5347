//go:build linux
// +build linux

package offlinefs

import (
	"context"
	"hash/fnv"
	"io"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/snapetech/coursecache/internal/cache"
)

const entryAttrTimeout = time.Second

// Serve mounts the cached library at dir and blocks until ctx is cancelled,
// then unmounts.
func Serve(ctx context.Context, dir string, store *cache.Store, allowOther bool) error {
	server, err := Mount(dir, store, allowOther)
	if err != nil {
		return err
	}
	log.Printf("offlinefs: mounted at %s", dir)
	go func() {
		<-ctx.Done()
		if err := server.Unmount(); err != nil {
			log.Printf("offlinefs: unmount %s: %v", dir, err)
		}
	}()
	server.Wait()
	log.Printf("offlinefs: unmounted %s", dir)
	return nil
}

// Mount mounts the library read-only at dir. The caller owns the returned server.
func Mount(dir string, store *cache.Store, allowOther bool) (*fuse.Server, error) {
	root := &RootNode{src: newSource(store)}
	to := entryAttrTimeout
	opts := &fs.Options{
		EntryTimeout: &to,
		AttrTimeout:  &to,
		MountOptions: fuse.MountOptions{
			AllowOther: allowOther,
			FsName:     "coursecache",
			Name:       "coursecache",
		},
	}
	return fs.Mount(dir, root, opts)
}

func ino(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte("coursecache:" + key))
	return h.Sum64()
}

// RootNode lists one folder per course.
type RootNode struct {
	fs.Inode
	src *source
}

var _ fs.NodeGetattrer = (*RootNode)(nil)
var _ fs.NodeReaddirer = (*RootNode)(nil)
var _ fs.NodeLookuper = (*RootNode)(nil)

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0555
	return 0
}

func (r *RootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	lib := r.src.current()
	entries := make([]fuse.DirEntry, 0, len(lib.Courses))
	for _, c := range lib.Courses {
		entries = append(entries, fuse.DirEntry{Name: c.Name, Mode: fuse.S_IFDIR, Ino: ino("course:" + c.ID)})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c := r.src.current().CourseByName[name]
	if c == nil {
		return nil, syscall.ENOENT
	}
	ch := r.NewInode(ctx, &CourseNode{src: r.src, courseID: c.ID, name: name}, fs.StableAttr{
		Mode: fuse.S_IFDIR,
		Ino:  ino("course:" + c.ID),
	})
	out.Mode = fuse.S_IFDIR | 0555
	out.SetEntryTimeout(entryAttrTimeout)
	out.SetAttrTimeout(entryAttrTimeout)
	return ch, 0
}

// CourseNode lists the cached lessons of one course.
type CourseNode struct {
	fs.Inode
	src      *source
	courseID string
	name     string
}

var _ fs.NodeReaddirer = (*CourseNode)(nil)
var _ fs.NodeLookuper = (*CourseNode)(nil)

func (n *CourseNode) dir() *CourseDir {
	return n.src.current().CourseByName[n.name]
}

func (n *CourseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d := n.dir()
	if d == nil {
		return fs.NewListDirStream(nil), 0
	}
	entries := make([]fuse.DirEntry, 0, len(d.Lessons))
	for _, l := range d.Lessons {
		entries = append(entries, fuse.DirEntry{Name: l.Name, Mode: fuse.S_IFREG, Ino: ino("lesson:" + l.LessonID)})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *CourseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d := n.dir()
	if d == nil {
		return nil, syscall.ENOENT
	}
	l := d.LessonByName[name]
	if l == nil {
		return nil, syscall.ENOENT
	}
	ch := n.NewInode(ctx, &LessonNode{file: *l}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  ino("lesson:" + l.LessonID),
	})
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(l.Size)
	out.SetEntryTimeout(entryAttrTimeout)
	out.SetAttrTimeout(entryAttrTimeout)
	return ch, 0
}

// LessonNode is a cached video served straight from the cache root.
type LessonNode struct {
	fs.Inode
	file LessonFile
}

var _ fs.NodeOpener = (*LessonNode)(nil)
var _ fs.NodeGetattrer = (*LessonNode)(nil)

func (n *LessonNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(n.file.Size)
	return 0
}

func (n *LessonNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	f, err := os.Open(n.file.Path)
	if err != nil {
		// Deleted or evicted since the listing was built.
		return nil, 0, syscall.ENOENT
	}
	return &lessonHandle{f: f}, fuse.FOPEN_KEEP_CACHE, 0
}

// lessonHandle keeps the cached file open across reads. An unlinked file stays
// readable until Release, so a delete during playback does not cut the stream.
type lessonHandle struct {
	mu sync.Mutex
	f  *os.File
}

var _ fs.FileReleaser = (*lessonHandle)(nil)
var _ fs.FileReader = (*lessonHandle)(nil)

func (h *lessonHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f != nil {
		h.f.Close()
		h.f = nil
	}
	return 0
}

func (h *lessonHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil, syscall.EBADF
	}
	n, err := h.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}
