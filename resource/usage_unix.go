//go:build unix

package resource

import "golang.org/x/sys/unix"

func diskUsageFraction(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks
	if total == 0 {
		return 0, nil
	}
	free := st.Bavail
	used := total - uint64(free)
	return float64(used) / float64(total), nil
}
