/*
Package capture captures raw packets from a network interface without blocking
the event loop that drives it.

An Engine binds a Source, a non-blocking packet socket with an optional
classic BPF filter attached, to an eventloop.Adapter. Each readiness
notification drains the socket and hands every packet to a callback.

 Linux uses an AF_PACKET socket.
  See https://www.kernel.org/doc/Documentation/networking/packet_mmap.txt
  and http://www.microhowto.info/howto/capture_ethernet_frames_using_an_af_packet_socket_in_c.html
 MacOS and FreeBSD use a /dev/bpf* device instead of a raw socket. Some good examples:
  https://github.com/c-bata/xpcap/blob/master/sniffer.c#L50
  https://gist.github.com/2opremio/6fda363ab384b0d85347956fb79a3927
*/
package capture
