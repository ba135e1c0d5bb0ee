package command

// Stack is the ordered command log. Pos counts the commands, in order, that
// have been applied to reach the current document from its initial state.
type Stack struct {
	Commands []*Command `json:"stack"`
	Pos      int        `json:"pos"`
	LastUUID int        `json:"lastUUID"`
}

// Len returns the number of commands in the log
func (s *Stack) Len() int {
	return len(s.Commands)
}

// CanUndo reports whether an applied command exists
func (s *Stack) CanUndo() bool {
	return s.Pos > 0
}

// CanRedo reports whether an undone command exists
func (s *Stack) CanRedo() bool {
	return s.Pos < len(s.Commands)
}

// nextID hands out the next command id
func (s *Stack) nextID() int {
	id := s.LastUUID
	s.LastUUID++
	return id
}

// truncate drops every command at or above Pos
func (s *Stack) truncate() int {
	dropped := len(s.Commands) - s.Pos
	if dropped <= 0 {
		return 0
	}
	for i := s.Pos; i < len(s.Commands); i++ {
		s.Commands[i] = nil
	}
	s.Commands = s.Commands[:s.Pos]
	return dropped
}

// append adds cmd after the applied prefix and moves Pos past it
func (s *Stack) append(cmd *Command) {
	s.Commands = append(s.Commands, cmd)
	s.Pos = len(s.Commands)
}

// clampPos bounds p to the valid range and reports whether it had to
func (s *Stack) clampPos(p int) (int, bool) {
	switch {
	case p < 0:
		return 0, true
	case p > len(s.Commands):
		return len(s.Commands), true
	default:
		return p, false
	}
}

// Clone returns a copy of the stack sharing the command values
func (s *Stack) Clone() *Stack {
	c := *s
	c.Commands = append([]*Command(nil), s.Commands...)
	return &c
}

// Add stores cmd after the applied prefix, dropping undone commands, and
// advances LastUUID past its id. The model service keeps its copy of a
// stack this way.
func (s *Stack) Add(cmd *Command) {
	s.truncate()
	s.append(cmd)
	if cmd.ID >= s.LastUUID {
		s.LastUUID = cmd.ID + 1
	}
}

// Pop removes up to count commands from the end and returns how many it
// removed
func (s *Stack) Pop(count int) int {
	if count > len(s.Commands) {
		count = len(s.Commands)
	}
	if count <= 0 {
		return 0
	}
	n := len(s.Commands) - count
	for i := n; i < len(s.Commands); i++ {
		s.Commands[i] = nil
	}
	s.Commands = s.Commands[:n]
	if s.Pos > n {
		s.Pos = n
	}
	return count
}

// Back moves Pos one command back
func (s *Stack) Back() bool {
	if !s.CanUndo() {
		return false
	}
	s.Pos--
	return true
}

// Forward moves Pos one command forward
func (s *Stack) Forward() bool {
	if !s.CanRedo() {
		return false
	}
	s.Pos++
	return true
}
