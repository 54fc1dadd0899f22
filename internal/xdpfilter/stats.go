package xdpfilter

// FilterStats mirrors the eBPF program's per-CPU counters (stats_map),
// summed across CPUs, plus local allow-list sizes.
type FilterStats struct {
	TotalTCP        uint64
	PortMatched     uint64
	SrcMatched      uint64
	Redirected      uint64
	AllowedSrcV4    int
	AllowedSrcV6    int
	AllowedDstPorts int
}

// Stats reads the PERCPU_ARRAY stats map maintained by the XDP program and
// sums every CPU's value, the same approach as the donor's printStats.
func (f *Filter) Stats() (FilterStats, error) {
	var s FilterStats
	v4, v6, ports := f.AllowedCounts()
	s.AllowedSrcV4, s.AllowedSrcV6, s.AllowedDstPorts = v4, v6, ports

	raw := [4]*uint64{&s.TotalTCP, &s.PortMatched, &s.SrcMatched, &s.Redirected}
	for i, dst := range raw {
		key := uint32(i)
		var perCPU []uint64
		if err := f.statsMap.Lookup(&key, &perCPU); err != nil {
			return s, err
		}
		var total uint64
		for _, v := range perCPU {
			total += v
		}
		*dst = total
	}
	return s, nil
}
