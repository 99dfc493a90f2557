package fdl

import (
	"fmt"
	"os"
	"path/filepath"
)

// Signature-bypass payload file names. The payload is an externally built
// blob that disables boot-image signature checks; it is treated as opaque.
const (
	bypassNamePattern = "custom_exec_no_verify_%x.bin"
	bypassNameGeneric = "custom_exec_no_verify.bin"
)

// locateBypass finds the signature-bypass payload for the given exec
// address. Search order: the explicit path, the directory of the FDL1
// image, the executable's directory; within each directory the
// address-keyed name is tried before the generic one.
//
// A missing payload is not an error: the result is (nil, "", nil).
func locateBypass(explicit, fdl1Path string, execAddr uint32) ([]byte, string, error) {
	if explicit != "" {
		data, err := os.ReadFile(explicit)
		if err != nil {
			return nil, "", fmt.Errorf("signature bypass payload %s: %w", explicit, err)
		}
		return data, explicit, nil
	}

	var dirs []string
	if fdl1Path != "" {
		dirs = append(dirs, filepath.Dir(fdl1Path))
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}

	names := []string{
		fmt.Sprintf(bypassNamePattern, execAddr),
		bypassNameGeneric,
	}

	for _, dir := range dirs {
		for _, name := range names {
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err == nil {
				return data, path, nil
			}
			if !os.IsNotExist(err) {
				return nil, "", fmt.Errorf("signature bypass payload %s: %w", path, err)
			}
		}
	}

	return nil, "", nil
}
