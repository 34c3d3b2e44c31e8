package reliable

import "strconv"

func fragmentsPrefix(name string) string {
	return name + ".frags."
}

func countKey(name string) string {
	return name + ".frags.count"
}

func fragmentKey(name string, i int) string {
	return name + ".frags." + strconv.Itoa(i)
}

func ackKey(name string, i, participant int) string {
	return fragmentKey(name, i) + ".ack." + strconv.Itoa(participant)
}
