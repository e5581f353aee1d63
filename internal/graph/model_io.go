package graph

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Model files hold the learnable parameters as a flat list:
//
//	"BMDL" | count u32 | per parameter:
//	    nameLen u32 | name bytes | rows u32 | cols u32 | data f64...
//	"EMDL"
//
// Everything is little-endian. Files are written to a temp path and
// renamed into place so a crash never leaves a truncated model.

const (
	modelBeginMarker = "BMDL"
	modelEndMarker   = "EMDL"
)

func (n *SimpleNetwork) SaveModel(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create model file")
	}

	w := bufio.NewWriter(f)
	if err := writeModel(w, n.params); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "flush model file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "sync model file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close model file")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename model file")
}

func writeModel(w io.Writer, params []*LearnableParameter) error {
	if _, err := w.Write([]byte(modelBeginMarker)); err != nil {
		return errors.Wrap(err, "write model marker")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}
	for _, p := range params {
		name := []byte(p.Name())
		if err := binary.Write(w, binary.LittleEndian, uint32(len(name))); err != nil {
			return err
		}
		if _, err := w.Write(name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(p.Value().Rows())); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(p.Value().Cols())); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, p.Value().Data()); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte(modelEndMarker)); err != nil {
		return errors.Wrap(err, "write model marker")
	}
	return nil
}

func (n *SimpleNetwork) LoadModel(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open model file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if err := expectMarker(r, modelBeginMarker); err != nil {
		return err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return errors.Wrap(err, "read parameter count")
	}
	byName := make(map[string]*LearnableParameter, len(n.params))
	for _, p := range n.params {
		byName[p.Name()] = p
	}
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return errors.Wrap(err, "read parameter name length")
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return errors.Wrap(err, "read parameter name")
		}
		var rows, cols uint32
		if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &cols); err != nil {
			return err
		}
		p, ok := byName[string(name)]
		if !ok {
			return errors.Errorf("model file names unknown parameter %q", name)
		}
		if p.Value().Rows() != int(rows) || p.Value().Cols() != int(cols) {
			return errors.Errorf("parameter %q shape mismatch: file %dx%d, network %dx%d",
				name, rows, cols, p.Value().Rows(), p.Value().Cols())
		}
		if err := binary.Read(r, binary.LittleEndian, p.Value().Data()); err != nil {
			return errors.Wrapf(err, "read parameter %q", name)
		}
	}
	return expectMarker(r, modelEndMarker)
}

func expectMarker(r io.Reader, marker string) error {
	buf := make([]byte, len(marker))
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrapf(err, "read %s marker", marker)
	}
	if string(buf) != marker {
		return errors.Errorf("bad model file: expected %s marker, got %q", marker, buf)
	}
	return nil
}
