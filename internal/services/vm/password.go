package vm

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Word lists for memorable guest passwords. Entropy comes from the triple
// plus the numeric tail (~21 bits), acceptable for a first-boot credential
// the owner is told to rotate and that only travels wallet-encrypted.
var (
	passwordAdjectives = []string{
		"amber", "brave", "calm", "clever", "cosmic", "crisp", "eager",
		"fuzzy", "gentle", "golden", "happy", "humble", "jolly", "keen",
		"lively", "lucky", "mellow", "mighty", "noble", "polar", "proud",
		"quick", "quiet", "rapid", "royal", "rustic", "silent", "solar",
		"steady", "stormy", "sunny", "swift", "tidal", "vivid", "warm",
		"wild", "wise", "witty", "young", "zesty",
	}
	passwordNouns = []string{
		"badger", "beacon", "canyon", "cedar", "comet", "coral", "crater",
		"dune", "falcon", "fjord", "galaxy", "garnet", "geyser", "glacier",
		"harbor", "heron", "island", "jaguar", "lagoon", "lantern", "lynx",
		"maple", "meadow", "meteor", "nebula", "orchid", "osprey", "otter",
		"prairie", "quartz", "raven", "reef", "river", "sparrow", "summit",
		"thicket", "tundra", "walnut", "willow", "zephyr",
	}
	passwordVerbs = []string{
		"blooms", "bounds", "climbs", "dances", "darts", "dives", "drifts",
		"flows", "flies", "gallops", "gleams", "glides", "glows", "hops",
		"hovers", "hums", "jumps", "leaps", "marches", "orbits", "prowls",
		"races", "rises", "roams", "rolls", "runs", "sails", "shines",
		"sings", "soars", "spins", "sprints", "surges", "sways", "swims",
		"turns", "twirls", "wanders", "waves", "winds",
	}
)

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("failed to draw random word: %w", err)
	}
	return words[n.Int64()], nil
}

// GeneratePassword builds a memorable adjective-noun-verb password with a
// two-digit tail, all drawn from a CSPRNG.
func GeneratePassword() (string, error) {
	adj, err := pick(passwordAdjectives)
	if err != nil {
		return "", err
	}
	noun, err := pick(passwordNouns)
	if err != nil {
		return "", err
	}
	verb, err := pick(passwordVerbs)
	if err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(90))
	if err != nil {
		return "", fmt.Errorf("failed to draw random digits: %w", err)
	}
	return fmt.Sprintf("%s-%s-%s-%d", adj, noun, verb, n.Int64()+10), nil
}
