package group

import "sort"

// View is a read-only snapshot of group membership. It is safe to share between goroutines: nothing in a View is
// modified after construction and accessors return copies.
type View struct {
	name          string
	uuid          string
	changeVersion int64
	members       []Member
}

// NewView builds a snapshot from the given members. Removed members are kept but excluded from every
// accessor except AllMembers.
func NewView(name, uuid string, changeVersion int64, members []Member) *View {
	cp := make([]Member, len(members))
	copy(cp, members)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	return &View{name: name, uuid: uuid, changeVersion: changeVersion, members: cp}
}

func (v *View) Name() string         { return v.name }
func (v *View) UUID() string         { return v.uuid }
func (v *View) ChangeVersion() int64 { return v.changeVersion }

// AllMembers returns every recorded member, including removed ones.
func (v *View) AllMembers() []Member {
	out := make([]Member, len(v.members))
	copy(out, v.members)
	return out
}

// Members returns the members that are not removed.
func (v *View) Members() []Member {
	return v.filter(func(m Member) bool { return true })
}

// Member returns the non-removed member with the given name.
func (v *View) Member(name string) (Member, bool) {
	for _, m := range v.members {
		if m.Name == name && !m.Removed {
			return m, true
		}
	}
	return Member{}, false
}

// Electable returns the electable members.
func (v *View) Electable() []Member {
	return v.filter(func(m Member) bool { return m.Type.IsElectable() })
}

// AckVoters returns the members whose acknowledgments count toward durability: electable members and arbiters.
func (v *View) AckVoters() []Member {
	return v.filter(func(m Member) bool { return m.Type.CountsForAcks() })
}

// DataNodes returns the members that hold log files and could serve a network restore.
func (v *View) DataNodes() []Member {
	return v.filter(func(m Member) bool { return m.Type.HasData() })
}

// Peers returns the members of the given set other than self.
func Peers(members []Member, self string) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Name != self {
			out = append(out, m)
		}
	}
	return out
}

func (v *View) filter(keep func(Member) bool) []Member {
	out := make([]Member, 0, len(v.members))
	for _, m := range v.members {
		if !m.Removed && keep(m) {
			out = append(out, m)
		}
	}
	return out
}
