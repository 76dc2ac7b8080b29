package repo

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/revfs/internal/fs/changes"
	"gitlab.com/gitlab-org/revfs/internal/fs/fserr"
	"gitlab.com/gitlab-org/revfs/internal/fs/id"
	"gitlab.com/gitlab-org/revfs/internal/fs/revnode"
)

// A revision file holds, in this order: the file contents written by the transaction,
// one JSON line per node created in the revision, one JSON line per changed path and
// finally the trailer line "<nodes-offset> <root-offset> <changes-offset>".

const maxTrailerLength = 64

type trailer struct {
	nodesOffset   int64
	rootOffset    int64
	changesOffset int64
	// offset of the trailer line itself
	endOffset int64
}

// RevisionWriter appends the node graph and the change list of a new revision to the
// prototype file holding its contents.
type RevisionWriter struct {
	file   *os.File
	offset int64
	trailer
	rootWritten bool
}

// NewRevisionWriter opens the prototype revision file at path for appending. The file is
// created if the transaction never wrote any contents.
func NewRevisionWriter(path string) (*RevisionWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fserr.IO("open prototype revision file", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fserr.IO("stat prototype revision file", err)
	}

	w := &RevisionWriter{file: file, offset: info.Size()}
	w.nodesOffset = w.offset
	w.rootOffset = -1
	return w, nil
}

func (w *RevisionWriter) writeLine(line []byte) error {
	n, err := w.file.Write(append(line, '\n'))
	w.offset += int64(n)
	return fserr.IO("write revision file", err)
}

// WriteNode appends one node. Exactly one node must be written as the root.
func (w *RevisionWriter) WriteNode(node *revnode.Node, root bool) error {
	line, err := revnode.Marshal(node)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", node.ID, err)
	}

	if root {
		if w.rootWritten {
			return fmt.Errorf("revision file already has a root node")
		}
		w.rootOffset = w.offset
		w.rootWritten = true
	}

	return w.writeLine(line)
}

// WriteChanges appends the change list, then the trailer, and syncs the file.
func (w *RevisionWriter) WriteChanges(list []changes.PathChange) error {
	if !w.rootWritten {
		return fmt.Errorf("revision file has no root node")
	}

	w.changesOffset = w.offset

	var buf bytes.Buffer
	if err := changes.Write(&buf, list); err != nil {
		return err
	}
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "%d %d %d\n", w.nodesOffset, w.rootOffset, w.changesOffset)

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fserr.IO("write revision file", err)
	}

	return fserr.IO("sync revision file", w.file.Sync())
}

// Abort drops everything written through the writer, leaving the prototype file as it
// was, and closes the file.
func (w *RevisionWriter) Abort() error {
	truncateErr := w.file.Truncate(w.nodesOffset)
	closeErr := w.file.Close()
	if truncateErr != nil {
		return fserr.IO("truncate prototype revision file", truncateErr)
	}
	return fserr.IO("close revision file", closeErr)
}

// Close closes the file.
func (w *RevisionWriter) Close() error {
	return fserr.IO("close revision file", w.file.Close())
}

func readTrailer(file *os.File) (trailer, error) {
	info, err := file.Stat()
	if err != nil {
		return trailer{}, fserr.IO("stat revision file", err)
	}

	size := info.Size()
	length := int64(maxTrailerLength)
	if size < length {
		length = size
	}

	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, size-length); err != nil && !errors.Is(err, io.EOF) {
		return trailer{}, fserr.IO("read revision trailer", err)
	}

	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		return trailer{}, fserr.Corruptf("revision file %s has no trailer", file.Name())
	}

	line := buf[:len(buf)-1]
	start := bytes.LastIndexByte(line, '\n') + 1
	if start == 0 && length == maxTrailerLength {
		return trailer{}, fserr.Corruptf("revision file %s has an oversized trailer", file.Name())
	}

	fields := strings.Fields(string(line[start:]))
	if len(fields) != 3 {
		return trailer{}, fserr.Corruptf("revision file %s has a malformed trailer", file.Name())
	}

	var t trailer
	for i, dest := range []*int64{&t.nodesOffset, &t.rootOffset, &t.changesOffset} {
		value, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil || value < 0 {
			return trailer{}, fserr.Corruptf("revision file %s has a malformed trailer", file.Name())
		}
		*dest = value
	}
	t.endOffset = size - length + int64(start)

	if t.nodesOffset > t.rootOffset || t.rootOffset >= t.changesOffset || t.changesOffset > t.endOffset {
		return trailer{}, fserr.Corruptf("revision file %s has inconsistent offsets", file.Name())
	}

	return t, nil
}

// revisionIndex is the parsed node graph of a single revision file.
type revisionIndex struct {
	revision int64
	root     id.ID
	nodes    map[id.ID]*revnode.Node
	trailer  trailer
}

func loadRevisionIndex(path string, rev int64) (*revisionIndex, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("revision %d: %w", rev, fserr.ErrNoSuchRevision)
		}
		return nil, fserr.IO("open revision file", err)
	}
	defer file.Close()

	t, err := readTrailer(file)
	if err != nil {
		return nil, err
	}

	index := &revisionIndex{
		revision: rev,
		nodes:    make(map[id.ID]*revnode.Node),
		trailer:  t,
	}

	reader := bufio.NewReader(io.NewSectionReader(file, t.nodesOffset, t.changesOffset-t.nodesOffset))
	offset := t.nodesOffset
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) != 0 {
				return nil, fserr.Corruptf("revision %d: truncated node line", rev)
			}
			break
		} else if err != nil {
			return nil, fserr.IO("read revision nodes", err)
		}

		node, err := revnode.Unmarshal(bytes.TrimSuffix(line, []byte("\n")))
		if err != nil {
			return nil, fserr.Corruptf("revision %d: %v", rev, err)
		}
		if node.ID.IsTxn() || node.ID.Revision != rev {
			return nil, fserr.Corruptf("revision %d contains foreign node %s", rev, node.ID)
		}

		index.nodes[node.ID] = node
		if offset == t.rootOffset {
			index.root = node.ID
		}
		offset += int64(len(line))
	}

	if index.root.IsZero() {
		return nil, fserr.Corruptf("revision %d has no root node", rev)
	}

	return index, nil
}

func readRevisionChanges(path string, t trailer) ([]changes.PathChange, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fserr.IO("open revision file", err)
	}
	defer file.Close()

	return changes.Read(io.NewSectionReader(file, t.changesOffset, t.endOffset-t.changesOffset))
}

// ReadText reads the contents described by rep from the file at path and verifies their
// checksum.
func ReadText(path string, rep *revnode.TextRep) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fserr.IO("open contents", err)
	}
	defer file.Close()

	data := make([]byte, rep.Size)
	if _, err := file.ReadAt(data, rep.Offset); err != nil && !(errors.Is(err, io.EOF) && rep.Size == 0) {
		return nil, fserr.IO("read contents", err)
	}

	if sum := sha1.Sum(data); hex.EncodeToString(sum[:]) != rep.SHA1 {
		return nil, fserr.Corruptf("checksum mismatch in %s at offset %d", path, rep.Offset)
	}

	return data, nil
}
