package fv

import (
	"sync"

	"ueficore/efi"
	"ueficore/internal/klog"
)

var log = klog.For("fv")

// Volume is the firmware-volume protocol
// (GetVolumeAttributes/ReadFile/ReadSection/GetNextFile) over a single
// block-addressed volume image held in memory.
type Volume struct {
	mu         sync.Mutex
	raw        []byte
	attributes Attributes
	files      []*File
	byName     map[efi.GUID]*File
}

// Open parses buf as a firmware volume, validating the volume header and
// enumerating its FFS file list (pad files skipped) up front; ReadSection
// parsing of each file's section stream stays lazy.
func Open(buf []byte) (*Volume, *efi.Error) {
	hdr, _, err := parseFVHeader(buf)
	if err != nil {
		return nil, err
	}

	files, ferr := enumerateFiles(buf, int(hdr.headerLength))
	if ferr != nil {
		return nil, ferr
	}

	byName := make(map[efi.GUID]*File, len(files))
	for _, f := range files {
		byName[f.Name] = f
	}

	log.WithField("files", len(files)).Debugf("opened firmware volume (%d bytes)", len(buf))

	return &Volume{
		raw:        buf,
		attributes: Attributes(hdr.attributes),
		files:      files,
		byName:     byName,
	}, nil
}

// GetVolumeAttributes returns the capability/state bits declared in the
// volume header.
func (v *Volume) GetVolumeAttributes() Attributes {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attributes
}

// ReadFile returns the file identified by name, or ErrNotFound.
func (v *Volume) ReadFile(name efi.GUID) (*File, *efi.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, ok := v.byName[name]
	if !ok {
		return nil, efi.NewError("fv", efi.ErrNotFound, "file not present in this volume")
	}
	return f, nil
}

// GetNextFile is the volume file enumerator: given the GUID of the
// previously returned file (or efi.NilGUID to start), it returns the next
// non-pad file in volume order.
func (v *Volume) GetNextFile(previous efi.GUID) (*File, *efi.Error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if previous == efi.NilGUID {
		if len(v.files) == 0 {
			return nil, efi.NewError("fv", efi.ErrNotFound, "volume contains no files")
		}
		return v.files[0], nil
	}

	for i, f := range v.files {
		if f.Name == previous {
			if i+1 >= len(v.files) {
				return nil, efi.NewError("fv", efi.ErrNotFound, "no further files")
			}
			return v.files[i+1], nil
		}
	}
	return nil, efi.NewError("fv", efi.ErrInvalidParameter, "unknown previous file handle")
}

// ReadSection resolves the instance'th (0-based) section of type
// sectionType within file, using File's stream-handle cache so repeated
// reads against the same file skip re-parsing its section stream.
func (v *Volume) ReadSection(file *File, sectionType SectionType, instance int) ([]byte, *efi.Error) {
	secs, err := file.sections()
	if err != nil {
		return nil, err
	}

	seen := 0
	for _, s := range secs {
		if s.Type != sectionType {
			continue
		}
		if seen == instance {
			return s.Data, nil
		}
		seen++
	}
	return nil, efi.NewError("fv", efi.ErrNotFound, "requested section instance not present")
}
