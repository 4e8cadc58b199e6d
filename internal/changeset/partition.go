package changeset

import "cmp"

// Partition merge-joins two ascending, duplicate-free key lists
func Partition[K cmp.Ordered](left, right []K) (onlyLeft, onlyRight, common []K) {
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		switch c := cmp.Compare(left[i], right[j]); {
		case c < 0:
			onlyLeft = append(onlyLeft, left[i])
			i++
		case c > 0:
			onlyRight = append(onlyRight, right[j])
			j++
		default:
			common = append(common, left[i])
			i++
			j++
		}
	}
	onlyLeft = append(onlyLeft, left[i:]...)
	onlyRight = append(onlyRight, right[j:]...)
	return onlyLeft, onlyRight, common
}
