package config

import (
	_ "embed"
	"fmt"
	"sort"

	canhack "github.com/samsamfire/gocanhack"
	"gopkg.in/ini.v1"
)

// Timing profiles map a controller clock and the bus bit rates onto the cycle
// constants the bit engine runs on. Profiles are stored in .ini files, one
// section per named profile :
//
//	[pico]
//	FCpu=120000000
//	NominalBitrate=500000
//	DataBitrate=2000000
//	SamplePoint=0.75
//	SamplePointFd=0.75
//	FallingEdgeRecalibrate=6

//go:embed default.ini
var rawDefaultProfiles []byte

// Profile holds the raw parameters of one named timing profile, before
// conversion to cycle counts.
type Profile struct {
	Name                   string
	FCpu                   uint32  // Counter frequency in Hz
	NominalBitrate         uint32  // Arbitration phase bit rate in bit/s
	DataBitrate            uint32  // Data phase bit rate when BRS is active
	SamplePoint            float64 // Fraction of the nominal bit time
	SamplePointFd          float64 // Fraction of the data phase bit time
	FallingEdgeRecalibrate uint32  // Cycles loaded into the clock on a falling edge
}

// Profiles is a collection of named timing profiles parsed from one file.
type Profiles struct {
	profiles map[string]*Profile
}

// Parse reads timing profiles from file, which can be a path, an *os.File or
// a []byte.
func Parse(file any) (*Profiles, error) {
	iniFile, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load timing profiles : %w", err)
	}
	profiles := &Profiles{profiles: make(map[string]*Profile)}
	for _, section := range iniFile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		p, err := parseSection(section)
		if err != nil {
			return nil, fmt.Errorf("profile [%v] : %w", section.Name(), err)
		}
		profiles.profiles[p.Name] = p
	}
	if len(profiles.profiles) == 0 {
		return nil, fmt.Errorf("no timing profiles found")
	}
	return profiles, nil
}

func parseSection(section *ini.Section) (*Profile, error) {
	p := &Profile{Name: section.Name()}
	var err error
	p.FCpu, err = parseRate(section, "FCpu")
	if err != nil {
		return nil, err
	}
	p.NominalBitrate, err = parseRate(section, "NominalBitrate")
	if err != nil {
		return nil, err
	}
	if key, kerr := section.GetKey("DataBitrate"); kerr == nil && key.String() != "" {
		p.DataBitrate, err = parseRate(section, "DataBitrate")
		if err != nil {
			return nil, err
		}
	} else {
		// No data phase rate means BRS frames run at the nominal rate
		p.DataBitrate = p.NominalBitrate
	}
	p.SamplePoint, err = parseSamplePoint(section, "SamplePoint")
	if err != nil {
		return nil, err
	}
	if key, kerr := section.GetKey("SamplePointFd"); kerr == nil && key.String() != "" {
		p.SamplePointFd, err = parseSamplePoint(section, "SamplePointFd")
		if err != nil {
			return nil, err
		}
	} else {
		p.SamplePointFd = p.SamplePoint
	}
	if key, kerr := section.GetKey("FallingEdgeRecalibrate"); kerr == nil {
		v, verr := key.Uint()
		if verr != nil {
			return nil, fmt.Errorf("key FallingEdgeRecalibrate : %w", verr)
		}
		p.FallingEdgeRecalibrate = uint32(v)
	}
	return p, nil
}

func parseRate(section *ini.Section, name string) (uint32, error) {
	key, err := section.GetKey(name)
	if err != nil {
		return 0, fmt.Errorf("missing key %v", name)
	}
	v, err := key.Uint()
	if err != nil {
		return 0, fmt.Errorf("key %v : %w", name, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("key %v : must be > 0", name)
	}
	return uint32(v), nil
}

func parseSamplePoint(section *ini.Section, name string) (float64, error) {
	key, err := section.GetKey(name)
	if err != nil {
		return 0, fmt.Errorf("missing key %v", name)
	}
	v, err := key.Float64()
	if err != nil {
		return 0, fmt.Errorf("key %v : %w", name, err)
	}
	if v < 0.5 || v > 0.9 {
		return 0, fmt.Errorf("key %v : %v outside of usable range", name, v)
	}
	return v, nil
}

// Names returns the available profile names, sorted.
func (ps *Profiles) Names() []string {
	names := make([]string, 0, len(ps.profiles))
	for name := range ps.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named profile.
func (ps *Profiles) Get(name string) (*Profile, error) {
	p, ok := ps.profiles[name]
	if !ok {
		return nil, fmt.Errorf("no timing profile named %v", name)
	}
	return p, nil
}

// Timings converts the named profile into engine cycle constants.
func (ps *Profiles) Timings(name string) (canhack.Timings, error) {
	p, err := ps.Get(name)
	if err != nil {
		return canhack.Timings{}, err
	}
	return p.Timings()
}

// Timings converts the profile into engine cycle constants. The bit time is
// FCpu / bitrate, the sample point offset is the sample point fraction of the
// bit time, rounded to whole cycles.
func (p *Profile) Timings() (canhack.Timings, error) {
	bitTime := p.FCpu / p.NominalBitrate
	bitTimeFd := p.FCpu / p.DataBitrate
	if bitTime < 8 {
		return canhack.Timings{}, fmt.Errorf("profile %v : nominal bit time of %v cycles is too short to sample", p.Name, bitTime)
	}
	if bitTimeFd < 8 {
		return canhack.Timings{}, fmt.Errorf("profile %v : data phase bit time of %v cycles is too short to sample", p.Name, bitTimeFd)
	}
	if bitTimeFd > bitTime {
		return canhack.Timings{}, fmt.Errorf("profile %v : data phase slower than arbitration phase", p.Name)
	}
	samplePoint := uint32(float64(bitTime)*p.SamplePoint + 0.5)
	samplePointFd := uint32(float64(bitTimeFd)*p.SamplePointFd + 0.5)
	if samplePoint >= bitTime {
		samplePoint = bitTime - 1
	}
	if samplePointFd >= bitTimeFd {
		samplePointFd = bitTimeFd - 1
	}
	return canhack.Timings{
		BitTime:                canhack.Ctr(bitTime),
		BitTimeFd:              canhack.Ctr(bitTimeFd),
		SamplePointOffset:      canhack.Ctr(samplePoint),
		SamplePointOffsetFd:    canhack.Ctr(samplePointFd),
		SampleToBitEnd:         canhack.Ctr(bitTime - samplePoint),
		SampleToBitEndFd:       canhack.Ctr(bitTimeFd - samplePointFd),
		FallingEdgeRecalibrate: canhack.Ctr(p.FallingEdgeRecalibrate),
	}, nil
}

// Default returns the embedded timing profiles.
func Default() *Profiles {
	profiles, err := Parse(rawDefaultProfiles)
	if err != nil {
		panic(err)
	}
	return profiles
}
