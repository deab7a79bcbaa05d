package arena

import "reflect"

// shapes[i] is the reflect.Type of a pointer-free-except-trailer struct
// shaped like { Data [1<<i]byte; Arena *Arena }, used by allocTraceable to
// avoid reflect.StructOf's overhead on the hot, power-of-two-sized path.
var shapes = func() [49]reflect.Type {
	var s [49]reflect.Type
	arenaPtr := reflect.TypeFor[*Arena]()
	for i := range s {
		s[i] = reflect.StructOf([]reflect.StructField{
			{Name: "Data", Type: reflect.ArrayOf(1<<uint(i), reflect.TypeFor[byte]())},
			{Name: "Arena", Type: arenaPtr},
		})
	}
	return s
}()
