package codesign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
)

// Code signature constants from Apple's cs_blobs.h
const (
	CSMAGIC_CODEDIRECTORY      = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE = 0xfade0cc0

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_SIGNATURESLOT             = 0x10000

	CS_HASHTYPE_SHA1   = 1
	CS_HASHTYPE_SHA256 = 2

	// CS_RUNTIME is the CodeDirectory flag set by `codesign -o runtime`.
	CS_RUNTIME = 0x10000

	LC_CODE_SIGNATURE = 0x1d

	fatMagic = 0xcafebabe
)

// SignatureInfo describes the code signature of every slice of a Mach-O file.
type SignatureInfo struct {
	Path   string
	Arches []ArchSignature
}

// ArchSignature is the signature of one architecture slice.
type ArchSignature struct {
	CPU          string
	Signed       bool
	Identifier   string
	TeamID       string
	Flags        uint32
	HashType     uint8
	SignerCN     string
	SignerTeamID string
	Entitlements map[string]interface{}
}

// HardenedRuntime reports whether the slice was signed with the runtime option.
func (a ArchSignature) HardenedRuntime() bool {
	return a.Signed && a.Flags&CS_RUNTIME != 0
}

type slice struct {
	cpu  string
	data []byte
}

// machOSlices splits data into its architecture slices. Files that are not
// Mach-O yield no slices and no error.
func machOSlices(data []byte) ([]slice, error) {
	if len(data) >= 8 && binary.BigEndian.Uint32(data[:4]) == fatMagic {
		fat, err := macho.NewFatFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse fat binary: %w", err)
		}
		defer fat.Close()

		var out []slice
		for _, arch := range fat.Arches {
			end := uint64(arch.Offset) + uint64(arch.Size)
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("arch %s extends beyond file", arch.CPU)
			}
			out = append(out, slice{cpu: arch.CPU.String(), data: data[arch.Offset:end]})
		}
		return out, nil
	}

	if !isMachO(data) {
		return nil, nil
	}

	// Zero out existing signature data before parsing - go-macho chokes on some signature formats
	dataForParsing := make([]byte, len(data))
	copy(dataForParsing, data)
	if sigOffset, sigSize, found := findCodeSignatureOffset(data); found && sigOffset > 0 && sigOffset < uint32(len(data)) {
		end := sigOffset + sigSize
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		for i := sigOffset; i < end; i++ {
			dataForParsing[i] = 0
		}
	}

	m, err := macho.NewFile(bytes.NewReader(dataForParsing))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()
	return []slice{{cpu: m.CPU.String(), data: data}}, nil
}

// Arches lists the architectures of a Mach-O file, nil for other files.
func Arches(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	slices, err := machOSlices(data)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range slices {
		out = append(out, s.cpu)
	}
	return out, nil
}

// Inspect parses the code signature of every slice of the Mach-O at path.
func Inspect(path string) (*SignatureInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	slices, err := machOSlices(data)
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("%s is not a Mach-O file", path)
	}

	info := &SignatureInfo{Path: path}
	for _, s := range slices {
		arch, err := parseSliceSignature(s.data)
		if err != nil {
			return nil, fmt.Errorf("arch %s: %w", s.cpu, err)
		}
		arch.CPU = s.cpu
		info.Arches = append(info.Arches, arch)
	}
	return info, nil
}

func parseSliceSignature(data []byte) (ArchSignature, error) {
	var arch ArchSignature

	sigOffset, sigSize, found := findCodeSignatureOffset(data)
	if !found {
		return arch, nil
	}
	if uint64(sigOffset)+uint64(sigSize) > uint64(len(data)) {
		return arch, fmt.Errorf("code signature extends beyond file")
	}
	sigData := data[sigOffset : sigOffset+sigSize]

	// Parse SuperBlob header
	if len(sigData) < 12 {
		return arch, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sigData[0:4]); magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return arch, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}
	blobCount := binary.BigEndian.Uint32(sigData[8:12])
	if uint64(len(sigData)) < 12+uint64(blobCount)*8 {
		return arch, fmt.Errorf("signature data too short for blob index")
	}
	arch.Signed = true

	var haveCD bool
	var cms []byte
	for i := uint32(0); i < blobCount; i++ {
		entryOffset := 12 + i*8
		blobType := binary.BigEndian.Uint32(sigData[entryOffset:])
		blobOffset := binary.BigEndian.Uint32(sigData[entryOffset+4:])
		if uint64(blobOffset)+8 > uint64(len(sigData)) {
			continue
		}
		blobSize := binary.BigEndian.Uint32(sigData[blobOffset+4:])
		if uint64(blobOffset)+uint64(blobSize) > uint64(len(sigData)) {
			continue
		}
		blobData := sigData[blobOffset : blobOffset+blobSize]

		switch {
		case blobType == CSSLOT_CODEDIRECTORY || (blobType >= CSSLOT_ALTERNATE_CODEDIRECTORIES && blobType < CSSLOT_SIGNATURESLOT):
			// The primary directory wins; alternates only fill in a missing one
			if haveCD && blobType != CSSLOT_CODEDIRECTORY {
				continue
			}
			if err := parseCodeDirectory(blobData, &arch); err == nil {
				haveCD = true
			}
		case blobType == CSSLOT_ENTITLEMENTS:
			if len(blobData) > 8 {
				if parsed, err := ParseEntitlementsXML(blobData[8:]); err == nil {
					arch.Entitlements = parsed
				}
			}
		case blobType == CSSLOT_SIGNATURESLOT:
			if len(blobData) > 8 {
				cms = blobData[8:] // Skip magic and length
			}
		}
	}
	if !haveCD {
		return arch, fmt.Errorf("no CodeDirectory in signature")
	}
	if len(cms) > 0 {
		arch.SignerCN, arch.SignerTeamID = parseCMSSigner(cms)
	}
	return arch, nil
}

// parseCodeDirectory parses the CodeDirectory fields the pipeline reports on
func parseCodeDirectory(data []byte, arch *ArchSignature) error {
	if len(data) < 44 {
		return fmt.Errorf("CodeDirectory too short")
	}
	if binary.BigEndian.Uint32(data[0:4]) != CSMAGIC_CODEDIRECTORY {
		return fmt.Errorf("not a CodeDirectory")
	}

	version := binary.BigEndian.Uint32(data[8:12])
	arch.Flags = binary.BigEndian.Uint32(data[12:16])
	identOffset := binary.BigEndian.Uint32(data[20:24])
	arch.HashType = data[37]
	arch.Identifier = cString(data, identOffset)

	// Team ID is present from version 0x20200
	if version >= 0x20200 && len(data) >= 52 {
		if teamOffset := binary.BigEndian.Uint32(data[48:52]); teamOffset > 0 {
			arch.TeamID = cString(data, teamOffset)
		}
	}
	return nil
}

func cString(data []byte, offset uint32) string {
	if offset >= uint32(len(data)) {
		return ""
	}
	end := offset
	for end < uint32(len(data)) && data[end] != 0 {
		end++
	}
	return string(data[offset:end])
}

// parseCMSSigner returns the signer certificate's common name and team ID
func parseCMSSigner(cms []byte) (cn, teamID string) {
	p7, err := pkcs7.Parse(cms)
	if err != nil || len(p7.Signers) == 0 {
		return "", ""
	}
	signer := p7.Signers[0]
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(signer.IssuerAndSerialNumber.SerialNumber) == 0 {
			return cert.Subject.CommonName, extractTeamID(cert)
		}
	}
	return "", ""
}

// findCodeSignatureOffset finds the LC_CODE_SIGNATURE offset and size without full parsing
func findCodeSignatureOffset(data []byte) (offset, size uint32, found bool) {
	if len(data) < 32 {
		return 0, 0, false
	}

	// Check magic
	magic := binary.LittleEndian.Uint32(data[:4])
	var is64Bit bool
	var headerSize uint32

	switch magic {
	case 0xfeedfacf: // MH_MAGIC_64
		is64Bit = true
		headerSize = 32
	case 0xfeedface: // MH_MAGIC
		headerSize = 28
	default:
		return 0, 0, false
	}

	var ncmds, sizeofcmds uint32
	if is64Bit {
		ncmds = binary.LittleEndian.Uint32(data[16:20])
		sizeofcmds = binary.LittleEndian.Uint32(data[20:24])
	} else {
		ncmds = binary.LittleEndian.Uint32(data[12:16])
		sizeofcmds = binary.LittleEndian.Uint32(data[16:20])
	}

	// Make sure we have enough data
	if uint64(len(data)) < uint64(headerSize)+uint64(sizeofcmds) {
		return 0, 0, false
	}

	cmdOffset := headerSize
	for i := uint32(0); i < ncmds; i++ {
		if cmdOffset+8 > headerSize+sizeofcmds {
			break
		}
		cmd := binary.LittleEndian.Uint32(data[cmdOffset:])
		cmdSize := binary.LittleEndian.Uint32(data[cmdOffset+4:])
		if cmdSize == 0 {
			break
		}

		if cmd == LC_CODE_SIGNATURE && cmdSize >= 16 {
			sigOffset := binary.LittleEndian.Uint32(data[cmdOffset+8:])
			sigSize := binary.LittleEndian.Uint32(data[cmdOffset+12:])
			return sigOffset, sigSize, true
		}
		cmdOffset += cmdSize
	}

	return 0, 0, false
}

// isMachO checks for the thin Mach-O magic numbers
func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	// MH_MAGIC_64 = 0xfeedfacf, MH_MAGIC = 0xfeedface (little endian on disk)
	magic := binary.LittleEndian.Uint32(data[:4])
	return magic == 0xfeedfacf || magic == 0xfeedface
}

// PrintSignatureInfo prints signature information to a writer
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	fmt.Fprintf(w, "Executable: %s\n", info.Path)
	for _, arch := range info.Arches {
		fmt.Fprintf(w, "\n[%s]\n", arch.CPU)
		if !arch.Signed {
			fmt.Fprintf(w, "  not signed\n")
			continue
		}
		fmt.Fprintf(w, "  Identifier:       %s\n", arch.Identifier)
		fmt.Fprintf(w, "  TeamIdentifier:   %s\n", valueOr(arch.TeamID, "not set"))
		fmt.Fprintf(w, "  Flags:            0x%x\n", arch.Flags)
		fmt.Fprintf(w, "  Hardened runtime: %t\n", arch.HardenedRuntime())
		fmt.Fprintf(w, "  Hash type:        %s\n", hashTypeName(arch.HashType))
		fmt.Fprintf(w, "  Authority:        %s\n", valueOr(arch.SignerCN, "ad-hoc"))
		if len(arch.Entitlements) > 0 {
			keys := make([]string, 0, len(arch.Entitlements))
			for k := range arch.Entitlements {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(w, "  Entitlements:     %s\n", strings.Join(keys, ", "))
		}
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func hashTypeName(t uint8) string {
	switch t {
	case CS_HASHTYPE_SHA1:
		return "sha1"
	case CS_HASHTYPE_SHA256:
		return "sha256"
	default:
		return fmt.Sprintf("unknown (%d)", t)
	}
}
