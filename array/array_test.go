package array

import (
	"strconv"
	"testing"

	"github.com/matryer/is"
)

type num int

func (n num) String() string { return "#" + strconv.Itoa(int(n)) }

func TestMap(t *testing.T) {
	is := is.New(t)
	is.Equal(Map([]int{1, 2, 3}, strconv.Itoa), []string{"1", "2", "3"})
	is.Equal(MapStringers([]num{4, 5}), []string{"#4", "#5"})
	is.Equal(len(Map([]int(nil), strconv.Itoa)), 0)
}

func TestPrepend(t *testing.T) {
	is := is.New(t)
	in := []int{2, 3}
	out := Prepend(1, in)
	is.Equal(out, []int{1, 2, 3})
	out[1] = 9
	is.Equal(in[0], 2) // input is not aliased
}

func TestFilterFind(t *testing.T) {
	is := is.New(t)
	even := func(i int) bool { return i%2 == 0 }
	is.Equal(Filter([]int{1, 2, 3, 4}, even), []int{2, 4})
	is.Equal(len(Filter([]int{1, 3}, even)), 0)

	arr := []int{1, 3, 4, 6}
	p, ok := Find(arr, even)
	is.True(ok)
	*p = 10
	is.Equal(arr[2], 10)
	_, ok = Find([]int{1}, even)
	is.True(!ok)
}
